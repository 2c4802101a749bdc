package config

import (
	"embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	schedModels "github.com/jasl/tavern-kit-sub011/internal/domain/models/scheduling"
)

//go:embed scheduling.yaml
var schedulingFS embed.FS

// StrategyDefaults tunes one reply-order strategy.
type StrategyDefaults struct {
	// FirstRunDelayMS delays the first run of a round, letting a user cancel
	// an accidental trigger before generation starts. Resume ignores it.
	FirstRunDelayMS int `yaml:"first_run_delay_ms"`

	// TurnDelayMS spaces out consecutive turns within one round.
	TurnDelayMS int `yaml:"turn_delay_ms"`
}

// SchedulingDefaults is the embedded tuning registry for the turn scheduler.
type SchedulingDefaults struct {
	Strategies map[string]StrategyDefaults `yaml:"strategies"`

	AutoRounds struct {
		// MaxSteps caps AI-to-AI round chaining per user message.
		MaxSteps int `yaml:"max_steps"`
	} `yaml:"auto_rounds"`

	Lock struct {
		// AcquireTimeoutMS bounds how long a command waits for the
		// conversation lock before surfacing an error.
		AcquireTimeoutMS int `yaml:"acquire_timeout_ms"`
	} `yaml:"lock"`
}

// LoadSchedulingDefaults parses the embedded scheduling.yaml.
func LoadSchedulingDefaults() (*SchedulingDefaults, error) {
	data, err := schedulingFS.ReadFile("scheduling.yaml")
	if err != nil {
		return nil, fmt.Errorf("read scheduling defaults: %w", err)
	}

	var defaults SchedulingDefaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("parse scheduling defaults: %w", err)
	}

	if defaults.AutoRounds.MaxSteps == 0 {
		defaults.AutoRounds.MaxSteps = 5
	}
	if defaults.Lock.AcquireTimeoutMS == 0 {
		defaults.Lock.AcquireTimeoutMS = 10000
	}

	return &defaults, nil
}

// FirstRunDelay returns the configured pre-generation delay for a strategy.
func (d *SchedulingDefaults) FirstRunDelay(strategy schedModels.ReplyOrder) time.Duration {
	return time.Duration(d.Strategies[string(strategy)].FirstRunDelayMS) * time.Millisecond
}

// TurnDelay returns the configured delay between turns for a strategy.
func (d *SchedulingDefaults) TurnDelay(strategy schedModels.ReplyOrder) time.Duration {
	return time.Duration(d.Strategies[string(strategy)].TurnDelayMS) * time.Millisecond
}

// LockAcquireTimeout bounds conversation lock waits.
func (d *SchedulingDefaults) LockAcquireTimeout() time.Duration {
	return time.Duration(d.Lock.AcquireTimeoutMS) * time.Millisecond
}
