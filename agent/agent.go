// Package agent tracks worker agents and carries messages between them.
//
// The Registry is a capability directory: agents declare what they can do
// (tools and intents), report heartbeats, and are looked up by capability
// or type when work needs a home. The MessageBus delivers direct,
// broadcast, and type-routed messages between agents on a bounded
// dispatcher, so a slow handler never blocks a sender.
package agent

import (
	"strings"
	"time"
)

// Status is the registry's view of an agent's availability.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusAvailable   Status = "available"
	StatusBusy        Status = "busy"
	StatusUnavailable Status = "unavailable"
	StatusError       Status = "error"
)

// Capabilities declares what an agent can do and how much it can take on.
type Capabilities struct {
	AgentID            string   `json:"agent_id"`
	AgentType          string   `json:"agent_type"`
	SupportedTools     []string `json:"supported_tools,omitempty"`
	SupportedIntents   []string `json:"supported_intents,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
}

// Supports reports whether the agent declares the named tool or intent.
// Matching is case-insensitive.
func (c Capabilities) Supports(name string) bool {
	for _, tool := range c.SupportedTools {
		if strings.EqualFold(tool, name) {
			return true
		}
	}
	for _, intent := range c.SupportedIntents {
		if strings.EqualFold(intent, name) {
			return true
		}
	}
	return false
}

// Info is the registry's record for one agent.
type Info struct {
	Capabilities
	Status           Status    `json:"status"`
	CurrentTaskCount int       `json:"current_task_count"`
	RegisteredAt     time.Time `json:"registered_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
}

func copyCapabilities(c Capabilities) Capabilities {
	out := c
	if c.SupportedTools != nil {
		out.SupportedTools = append([]string(nil), c.SupportedTools...)
	}
	if c.SupportedIntents != nil {
		out.SupportedIntents = append([]string(nil), c.SupportedIntents...)
	}
	return out
}

func copyInfo(info *Info) *Info {
	if info == nil {
		return nil
	}
	out := *info
	out.Capabilities = copyCapabilities(info.Capabilities)
	return &out
}
