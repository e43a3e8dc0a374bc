// v0
// internal/bridgeconfig/state.go
package bridgeconfig

import "time"

// State is a step of the configuration protocol.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingCurrent State = "checking_current"
	StateMatched         State = "matched"
	StateMismatched      State = "mismatched"
	StateApplying        State = "applying"
	StateVerifying       State = "verifying"
	StateVerified        State = "verified"
	StateFailed          State = "failed"
)

// AllStates lists every state in protocol order.
var AllStates = []State{
	StateIdle,
	StateCheckingCurrent,
	StateMatched,
	StateMismatched,
	StateApplying,
	StateVerifying,
	StateVerified,
	StateFailed,
}

// Result is the outcome of Configure or EnsureConfigured.
type Result struct {
	OK         bool      `json:"ok"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	Applied    bool      `json:"applied"`
	Verified   bool      `json:"verified"`
	Mismatches []string  `json:"mismatches,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
