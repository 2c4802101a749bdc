package handler

import (
	"log/slog"
	"net/http"

	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
	"github.com/jasl/tavern-kit-sub011/internal/httputil"
)

// SchedulerHandler exposes the turn scheduler's commands. Commands that were
// not applied still return 200; the body carries applied=false with the
// reason, because a lost race is an expected outcome, not a client error.
type SchedulerHandler struct {
	scheduler schedSvc.TurnScheduler
	logger    *slog.Logger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(scheduler schedSvc.TurnScheduler, logger *slog.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// GetRound returns the current queue snapshot
// GET /api/conversations/{id}/round
func (h *SchedulerHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		httputil.RespondError(w, http.StatusBadRequest, "conversation ID is required")
		return
	}

	snapshot, err := h.scheduler.Snapshot(r.Context(), conversationID)
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, snapshot)
}

// StartRound begins a new round for the conversation
// POST /api/conversations/{id}/round/start
func (h *SchedulerHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req struct {
		TriggerMessageID *string `json:"trigger_message_id"`
		IsUserInput      bool    `json:"is_user_input"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.StartRound(r.Context(), &schedSvc.StartRoundInput{
		ConversationID:   conversationID,
		TriggerMessageID: req.TriggerMessageID,
		IsUserInput:      req.IsUserInput,
		RequestedBy:      httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// PauseRound freezes the active round
// POST /api/conversations/{id}/round/pause
func (h *SchedulerHandler) PauseRound(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.PauseRound(r.Context(), &schedSvc.PauseRoundInput{
		ConversationID: conversationID,
		Reason:         req.Reason,
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// ResumeRound unfreezes a paused round
// POST /api/conversations/{id}/round/resume
func (h *SchedulerHandler) ResumeRound(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.ResumeRound(r.Context(), &schedSvc.ResumeRoundInput{
		ConversationID: r.PathValue("id"),
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// RetrySpeaker re-runs the current slot after a failure
// POST /api/conversations/{id}/round/retry
func (h *SchedulerHandler) RetrySpeaker(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req struct {
		RoundID   string `json:"round_id"`
		SpeakerID string `json:"speaker_id"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.RetryCurrentSpeaker(r.Context(), &schedSvc.RetryInput{
		ConversationID: conversationID,
		RoundID:        req.RoundID,
		SpeakerID:      req.SpeakerID,
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// SkipHumanTurn skips the current human slot
// POST /api/conversations/{id}/round/skip
func (h *SchedulerHandler) SkipHumanTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req struct {
		RoundID      string `json:"round_id"`
		MembershipID string `json:"membership_id"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.SkipHumanTurn(r.Context(), &schedSvc.SkipHumanTurnInput{
		ConversationID: conversationID,
		RoundID:        req.RoundID,
		MembershipID:   req.MembershipID,
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// StopRound cancels the active round
// POST /api/conversations/{id}/round/stop
func (h *SchedulerHandler) StopRound(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.StopRound(r.Context(), &schedSvc.StopRoundInput{
		ConversationID: r.PathValue("id"),
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// AppendSpeaker adds a trailing queue slot
// POST /api/conversations/{id}/round/participants
func (h *SchedulerHandler) AppendSpeaker(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req struct {
		RoundID      string `json:"round_id"`
		MembershipID string `json:"membership_id"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.AppendSpeaker(r.Context(), &schedSvc.AppendSpeakerInput{
		ConversationID: conversationID,
		RoundID:        req.RoundID,
		MembershipID:   req.MembershipID,
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// ReorderQueue rewrites the order of the movable slots
// PUT /api/conversations/{id}/round/participants/order
func (h *SchedulerHandler) ReorderQueue(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")

	var req struct {
		RoundID        string   `json:"round_id"`
		OrderedSlotIDs []string `json:"ordered_slot_ids"`
	}
	if err := httputil.ParseJSON(w, r, &req); err != nil {
		httputil.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.scheduler.ReorderPending(r.Context(), &schedSvc.ReorderInput{
		ConversationID: conversationID,
		RoundID:        req.RoundID,
		OrderedSlotIDs: req.OrderedSlotIDs,
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}

// RemoveSlot deletes one queue slot
// DELETE /api/conversations/{id}/round/participants/{slotID}
func (h *SchedulerHandler) RemoveSlot(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	slotID := r.PathValue("slotID")
	roundID := r.URL.Query().Get("round_id")

	result, err := h.scheduler.RemovePending(r.Context(), &schedSvc.RemoveSlotInput{
		ConversationID: conversationID,
		RoundID:        roundID,
		SlotID:         slotID,
		RequestedBy:    httputil.GetUserID(r),
	})
	if err != nil {
		handleError(w, err)
		return
	}

	httputil.RespondJSON(w, http.StatusOK, result)
}
