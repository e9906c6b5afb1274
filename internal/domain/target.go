package domain

import "time"

// EnvVar is a single environment entry handed to the function runtime.
type EnvVar struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

type TargetContext struct {
	Env []EnvVar `json:"env,omitempty" yaml:"env,omitempty"`
	// Timeout in seconds. Advisory: forwarded to the runtime, never enforced here.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Target identifies one registered trigger binding: a function's working
// directory plus the exported handler to invoke.
type Target struct {
	ID      string        `json:"id,omitempty" yaml:"id,omitempty"`
	Cwd     string        `json:"cwd" yaml:"cwd"`
	Handler string        `json:"handler,omitempty" yaml:"handler,omitempty"`
	Context TargetContext `json:"context" yaml:"context"`
}

// Covers reports whether an unsubscribe request for t removes a subscription
// held for other. A target without a handler removes every handler of its
// working directory.
func (t Target) Covers(other Target) bool {
	if t.Cwd != other.Cwd {
		return false
	}
	if t.Handler == "" {
		return true
	}
	return t.Handler == other.Handler
}

// TimeoutDuration returns the advisory timeout, zero when unset.
func (t Target) TimeoutDuration() time.Duration {
	if t.Context.Timeout <= 0 {
		return 0
	}
	return time.Duration(t.Context.Timeout) * time.Second
}
