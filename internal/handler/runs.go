package handler

import (
	"log/slog"
	"net/http"

	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/httputil"
)

// RunHandler receives completion reports from out-of-process executors. The
// in-repo executor calls the scheduler directly; this endpoint exists for
// deployments that run generation elsewhere.
type RunHandler struct {
	scheduler schedSvc.TurnScheduler
	logger    *slog.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(scheduler schedSvc.TurnScheduler, logger *slog.Logger) *RunHandler {
	return &RunHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// ReportOutcome records a run's terminal outcome
// POST /api/runs/{id}/outcome
func (h *RunHandler) ReportOutcome(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "run ID is required")
		return
	}

	var req struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.ReportRunOutcome(r.Context(), &schedSvc.ReportRunOutcomeInput{
		RunID:   runID,
		Outcome: schedModels.RunOutcome(req.Outcome),
		Error:   req.Error,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}
