package scheduling

// RunDebug is the structured diagnostic payload stored on a run. Instead of a
// single free-form bag, each concern gets a typed section; Extra remains for
// genuinely optional metadata only.
type RunDebug struct {
	Trigger   *TriggerDebug   `json:"trigger,omitempty"`
	Scheduler *SchedulerDebug `json:"scheduler,omitempty"`
	Failure   *FailureDebug   `json:"failure,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty"`
}

// TriggerDebug records what started the run.
type TriggerDebug struct {
	// Source is the trigger class: "user_message", "auto_round",
	// "force_talk", "retry", "resume" or "skip".
	Source string `json:"source"`

	MessageID   string `json:"message_id,omitempty"`
	IsUserInput bool   `json:"is_user_input"`
}

// SchedulerDebug marks which command created the run and where in the round
// queue it sits.
type SchedulerDebug struct {
	ScheduledBy string `json:"scheduled_by"`
	RoundID     string `json:"round_id,omitempty"`
	Position    int    `json:"position"`
	Strategy    string `json:"strategy,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// FailureDebug captures executor-reported error details.
type FailureDebug struct {
	Provider string `json:"provider,omitempty"`
	Message  string `json:"message"`
}
