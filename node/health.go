package node

import (
	"time"

	"goa.design/mesh/behavior"
)

// AgentHealthStatus is the runtime-level health report for one agent entity.
// It wraps entity counters around the behavior's own report, which is only
// gathered at full detail.
type AgentHealthStatus struct {
	Handle              string                       `json:"handle"`
	State               behavior.HealthState         `json:"state"`
	IsConfigured        bool                         `json:"isConfigured"`
	Timestamp           time.Time                    `json:"timestamp"`
	AgentType           string                       `json:"agentType,omitempty"`
	Uptime              time.Duration                `json:"uptime,omitempty"`
	MessagesProcessed   int                          `json:"messagesProcessed"`
	ActiveTimerCount    int                          `json:"activeTimerCount"`
	ActiveReminderCount int                          `json:"activeReminderCount"`
	StreamCount         int                          `json:"streamCount"`
	ActiveStreams       []string                     `json:"activeStreams,omitempty"`
	ProxyHealth         *behavior.HealthReport       `json:"proxyHealth,omitempty"`
	Diagnostics         map[string]string            `json:"diagnostics,omitempty"`
	Configuration       *behavior.AgentConfiguration `json:"configuration,omitempty"`
}
