package behavior

import "time"

type (
	// HealthState classifies an agent's condition. States order from best to
	// worst so composite reports can take the worst of their parts.
	HealthState string

	// HealthDetail selects how much work GetHealth performs.
	HealthDetail string

	// HealthReport is the result of a health probe. Composite reports carry
	// one entry per component in Components.
	HealthReport struct {
		// State is the overall state, the worst of all component states.
		State HealthState `json:"state"`
		// Reason explains a non-healthy state.
		Reason string `json:"reason,omitempty"`
		// CheckedAt is when the probe ran.
		CheckedAt time.Time `json:"checkedAt,omitzero"`
		// Components holds per-part reports for composite probes.
		Components map[string]HealthReport `json:"components,omitempty"`
	}
)

const (
	// HealthNotConfigured means the agent exists but was never configured
	// with a behavior.
	HealthNotConfigured HealthState = "not_configured"
	// HealthHealthy means the agent is operating normally.
	HealthHealthy HealthState = "healthy"
	// HealthDegraded means the agent works with reduced capability.
	HealthDegraded HealthState = "degraded"
	// HealthUnhealthy means the agent cannot do useful work.
	HealthUnhealthy HealthState = "unhealthy"
)

const (
	// HealthBasic probes only cheap local signals.
	HealthBasic HealthDetail = "basic"
	// HealthFull additionally probes dependencies, which may perform I/O.
	HealthFull HealthDetail = "full"
)

// severity ranks states for worst-of composition. Higher is worse.
var severity = map[HealthState]int{
	HealthHealthy:       0,
	HealthNotConfigured: 1,
	HealthDegraded:      2,
	HealthUnhealthy:     3,
}

// Worse reports whether a is a worse state than b. Unknown states rank
// worst.
func Worse(a, b HealthState) bool {
	ra, ok := severity[a]
	if !ok {
		ra = len(severity)
	}
	rb, ok := severity[b]
	if !ok {
		rb = len(severity)
	}
	return ra > rb
}

// Compose merges component reports into one whose State is the worst
// component state. An empty set composes to healthy.
func Compose(checkedAt time.Time, components map[string]HealthReport) HealthReport {
	out := HealthReport{State: HealthHealthy, CheckedAt: checkedAt}
	if len(components) == 0 {
		return out
	}
	out.Components = components
	for _, rep := range components {
		if Worse(rep.State, out.State) {
			out.State = rep.State
			out.Reason = rep.Reason
		}
	}
	return out
}
