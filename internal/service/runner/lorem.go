package runner

import (
	"context"
	"strings"
	"time"

	loremgen "github.com/bozaro/golorem"

	schedSvc "github.com/jasl/tavern-kit-sub011/internal/domain/services/scheduling"
)

// LoremProvider generates placeholder replies without real API keys. Used for
// development and tests; the delay simulates a blocking provider call so
// pause/stop cancellation paths are exercisable.
type LoremProvider struct {
	generator *loremgen.Lorem
	delay     time.Duration
}

// NewLoremProvider creates the mock provider. delay is per-reply latency;
// zero means instant replies.
func NewLoremProvider(delay time.Duration) *LoremProvider {
	return &LoremProvider{
		generator: loremgen.New(),
		delay:     delay,
	}
}

var _ schedSvc.TextProvider = (*LoremProvider)(nil)

func (p *LoremProvider) Name() string {
	return "lorem"
}

// GenerateReply produces a few lorem ipsum sentences addressed from the
// speaker. Honors context cancellation during the simulated latency.
func (p *LoremProvider) GenerateReply(ctx context.Context, req *schedSvc.GenerateRequest) (*schedSvc.GenerateResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var sb strings.Builder
	for i := 0; i < 3; i++ {
		sb.WriteString(p.generator.Sentence(5, 15))
		sb.WriteString(" ")
	}
	text := strings.TrimSpace(sb.String())

	return &schedSvc.GenerateResponse{
		Text:         text,
		Model:        "lorem-fast",
		OutputTokens: len(strings.Fields(text)),
	}, nil
}
