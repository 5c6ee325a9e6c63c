package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Common errors
var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNegativeTaskCount = errors.New("task count cannot be negative")
)

// Registry is an in-memory capability directory for worker agents.
//
// Every operation runs under one registry-wide critical section, so a
// reader always observes the writes that completed before it. Lookups
// return deep copies; callers never share memory with the registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Info
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*Info),
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register upserts an agent entry with Status=Available and a fresh
// heartbeat. Re-registration replaces the declared capabilities but keeps
// the original registration time and current task count.
func (r *Registry) Register(caps Capabilities) error {
	if caps.AgentID == "" {
		return fmt.Errorf("%w: agent id is empty", ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if existing, ok := r.agents[caps.AgentID]; ok {
		existing.Capabilities = copyCapabilities(caps)
		existing.Status = StatusAvailable
		existing.LastHeartbeat = now
		r.logger.Info("agent re-registered",
			zap.String("agent_id", caps.AgentID),
			zap.String("agent_type", caps.AgentType),
		)
		return nil
	}

	r.agents[caps.AgentID] = &Info{
		Capabilities:  copyCapabilities(caps),
		Status:        StatusAvailable,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", caps.AgentID),
		zap.String("agent_type", caps.AgentType),
		zap.Int("max_concurrent_tasks", caps.MaxConcurrentTasks),
	)
	return nil
}

// Unregister removes an agent. Unknown ids are a warning, not an error.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		r.logger.Warn("unregister for unknown agent", zap.String("agent_id", id))
		return
	}

	delete(r.agents, id)
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
}

// UpdateStatus sets an agent's status. Unknown ids are a warning, not an
// error.
func (r *Registry) UpdateStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[id]
	if !ok {
		r.logger.Warn("status update for unknown agent", zap.String("agent_id", id))
		return
	}

	info.Status = status
}

// RecordHeartbeat refreshes an agent's heartbeat timestamp. An agent the
// sweeper marked Unavailable becomes Available again. Unknown ids are a
// warning, not an error.
func (r *Registry) RecordHeartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[id]
	if !ok {
		r.logger.Warn("heartbeat for unknown agent", zap.String("agent_id", id))
		return
	}

	info.LastHeartbeat = time.Now()
	if info.Status == StatusUnavailable {
		info.Status = StatusAvailable
		r.logger.Info("agent available again after heartbeat", zap.String("agent_id", id))
	}
}

// UpdateTaskCount sets an agent's current task count. Negative counts are
// rejected; unknown ids are a warning, not an error.
func (r *Registry) UpdateTaskCount(id string, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTaskCount, count)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.agents[id]
	if !ok {
		r.logger.Warn("task count update for unknown agent", zap.String("agent_id", id))
		return nil
	}

	info.CurrentTaskCount = count
	return nil
}

// GetByID retrieves one agent's record.
func (r *Registry) GetByID(id string) (*Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return copyInfo(info), nil
}

// GetAll returns every registered agent, ordered by agent id.
func (r *Registry) GetAll() []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Info, 0, len(r.agents))
	for _, info := range r.agents {
		result = append(result, copyInfo(info))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result
}

// FindByCapability returns agents declaring the named tool or intent.
// Matching is case-insensitive.
func (r *Registry) FindByCapability(name string) []*Info {
	return r.find(func(info *Info) bool {
		return info.Supports(name)
	})
}

// FindByType returns agents of the given type. Matching is
// case-insensitive.
func (r *Registry) FindByType(agentType string) []*Info {
	return r.find(func(info *Info) bool {
		return strings.EqualFold(info.AgentType, agentType)
	})
}

func (r *Registry) find(match func(*Info) bool) []*Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Info, 0)
	for _, info := range r.agents {
		if match(info) {
			result = append(result, copyInfo(info))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result
}

// Count reports the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
