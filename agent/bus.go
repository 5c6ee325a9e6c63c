package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stategraph/internal/pool"
)

// ErrBusClosed is returned by Subscribe calls after the bus is closed.
var ErrBusClosed = errors.New("message bus is closed")

// BusConfig configures the message bus dispatcher.
type BusConfig struct {
	// MaxDispatchWorkers bounds concurrently running handlers.
	MaxDispatchWorkers int `json:"max_dispatch_workers" yaml:"max_dispatch_workers"`

	// DispatchQueueSize bounds deliveries waiting for a worker. When the
	// queue and the worker set are both full, further deliveries are
	// dropped and counted, never blocking the sender.
	DispatchQueueSize int `json:"dispatch_queue_size" yaml:"dispatch_queue_size"`
}

// DefaultBusConfig returns the default dispatcher bounds.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		MaxDispatchWorkers: 64,
		DispatchQueueSize:  1024,
	}
}

// MessageBus routes messages between agents.
//
// Direct sends reach the target agent's subscribers plus any subscribers
// to the message's type. Broadcasts enumerate the registry, optionally
// narrowed by a filter, and deliver to each matching agent independently.
// Every delivery runs on the bounded dispatcher, so one slow or failing
// handler never blocks the sender or other subscribers.
type MessageBus struct {
	registry *Registry
	pool     *pool.DispatchPool
	logger   *zap.Logger

	mu      sync.RWMutex
	byAgent map[string]map[string]Handler
	byType  map[string]map[string]Handler
	closed  bool

	subSeq atomic.Int64

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
}

// NewMessageBus creates a message bus backed by the given registry. The
// registry may be nil for a bus that only does direct and type-routed
// delivery.
func NewMessageBus(registry *Registry, config BusConfig, logger *zap.Logger) *MessageBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "message_bus"))

	if config.MaxDispatchWorkers <= 0 {
		config.MaxDispatchWorkers = DefaultBusConfig().MaxDispatchWorkers
	}
	if config.DispatchQueueSize <= 0 {
		config.DispatchQueueSize = DefaultBusConfig().DispatchQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MessageBus{
		registry: registry,
		pool: pool.NewDispatchPool(pool.DispatchPoolConfig{
			MaxWorkers: config.MaxDispatchWorkers,
			QueueSize:  config.DispatchQueueSize,
			PanicHandler: func(r any) {
				logger.Error("message handler panicked", zap.Any("recover", r))
			},
		}),
		logger:         logger,
		byAgent:        make(map[string]map[string]Handler),
		byType:         make(map[string]map[string]Handler),
		dispatchCtx:    ctx,
		dispatchCancel: cancel,
	}
}

// SubscribeAsync registers a handler for messages addressed to an agent,
// directly or via a matching broadcast.
func (b *MessageBus) SubscribeAsync(agentID string, handler Handler) (*Subscription, error) {
	if agentID == "" || handler == nil {
		return nil, fmt.Errorf("%w: agent id and handler are required", ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	id := fmt.Sprintf("agent-%d", b.subSeq.Add(1))
	if b.byAgent[agentID] == nil {
		b.byAgent[agentID] = make(map[string]Handler)
	}
	b.byAgent[agentID][id] = handler

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.byAgent[agentID]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.byAgent, agentID)
			}
		}
	}}, nil
}

// SubscribeByType registers a handler for every message of one type,
// regardless of its target.
func (b *MessageBus) SubscribeByType(messageType string, handler Handler) (*Subscription, error) {
	if messageType == "" || handler == nil {
		return nil, fmt.Errorf("%w: message type and handler are required", ErrInvalidInput)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	id := fmt.Sprintf("type-%d", b.subSeq.Add(1))
	if b.byType[messageType] == nil {
		b.byType[messageType] = make(map[string]Handler)
	}
	b.byType[messageType][id] = handler

	return &Subscription{cancel: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.byType[messageType]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.byType, messageType)
			}
		}
	}}, nil
}

// Send delivers a message to its target. An empty target or an expired
// message yields a typed failure result; no handler runs. A target of
// BroadcastTarget behaves like an unfiltered Broadcast.
func (b *MessageBus) Send(ctx context.Context, msg *Message) SendResult {
	if msg == nil {
		return failedSend("", SendFailureEmptyTarget)
	}
	b.prepare(msg)

	if msg.ToAgentID == "" {
		b.logger.Warn("message refused, empty target", zap.String("message_id", msg.ID))
		return failedSend(msg.ID, SendFailureEmptyTarget)
	}
	if msg.Expired(time.Now()) {
		b.logger.Warn("message refused, expired",
			zap.String("message_id", msg.ID),
			zap.Time("sent_at", msg.Timestamp),
			zap.Duration("ttl", msg.TimeToLive),
		)
		return failedSend(msg.ID, SendFailureExpired)
	}
	if b.isClosed() {
		return failedSend(msg.ID, SendFailureBusClosed)
	}

	if msg.ToAgentID == BroadcastTarget {
		return b.broadcast(msg, nil)
	}

	recipients := b.dispatch(b.agentHandlers(msg.ToAgentID), msg)
	recipients += b.dispatch(b.typeHandlers(msg.MessageType), msg)

	return SendResult{MessageID: msg.ID, Success: true, Recipients: recipients}
}

// Broadcast delivers a message to every registered agent passing the
// filter. A nil filter matches all agents. Each agent's delivery is
// independent; one handler's failure never blocks the rest.
func (b *MessageBus) Broadcast(ctx context.Context, msg *Message, filter func(*Info) bool) SendResult {
	if msg == nil {
		return failedSend("", SendFailureEmptyTarget)
	}
	b.prepare(msg)
	if msg.ToAgentID == "" {
		msg.ToAgentID = BroadcastTarget
	}

	if msg.Expired(time.Now()) {
		b.logger.Warn("broadcast refused, expired", zap.String("message_id", msg.ID))
		return failedSend(msg.ID, SendFailureExpired)
	}
	if b.isClosed() {
		return failedSend(msg.ID, SendFailureBusClosed)
	}

	return b.broadcast(msg, filter)
}

func (b *MessageBus) broadcast(msg *Message, filter func(*Info) bool) SendResult {
	recipients := 0

	if b.registry != nil {
		for _, info := range b.registry.GetAll() {
			if filter != nil && !filter(info) {
				continue
			}
			recipients += b.dispatch(b.agentHandlers(info.AgentID), msg)
		}
	}

	// Type subscribers hear a broadcast once, independent of the filter's
	// agent selection.
	recipients += b.dispatch(b.typeHandlers(msg.MessageType), msg)

	return SendResult{MessageID: msg.ID, Success: true, Recipients: recipients}
}

// prepare fills in the id and timestamp of locally constructed messages.
// An explicit Timestamp is kept as-is so TTL accounting stays with the
// original send time.
func (b *MessageBus) prepare(msg *Message) {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}

func (b *MessageBus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *MessageBus) agentHandlers(agentID string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.byAgent[agentID]
	handlers := make([]Handler, 0, len(src))
	for _, h := range src {
		handlers = append(handlers, h)
	}
	return handlers
}

func (b *MessageBus) typeHandlers(messageType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	src := b.byType[messageType]
	handlers := make([]Handler, 0, len(src))
	for _, h := range src {
		handlers = append(handlers, h)
	}
	return handlers
}

// dispatch hands the message to each handler on the bounded dispatcher
// and returns how many deliveries were accepted.
func (b *MessageBus) dispatch(handlers []Handler, msg *Message) int {
	delivered := 0
	for _, handler := range handlers {
		h := handler
		job := func(ctx context.Context) error {
			if err := h(ctx, msg); err != nil {
				b.logger.Warn("message handler failed",
					zap.String("message_id", msg.ID),
					zap.String("message_type", msg.MessageType),
					zap.Error(err),
				)
				return err
			}
			return nil
		}

		if err := b.pool.Submit(b.dispatchCtx, job); err != nil {
			b.logger.Warn("message delivery dropped",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// BusStats is a snapshot of dispatcher counters.
type BusStats struct {
	Delivered  int64 `json:"delivered"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	QueueDepth int   `json:"queue_depth"`
}

// Stats returns dispatcher counters.
func (b *MessageBus) Stats() BusStats {
	s := b.pool.Stats()
	return BusStats{
		Delivered:  s.Completed,
		Failed:     s.Failed,
		Dropped:    s.Dropped,
		QueueDepth: s.Queued,
	}
}

// Close stops delivery and waits for in-flight handlers. Further sends
// get a bus-closed failure result; further subscribes get ErrBusClosed.
func (b *MessageBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.dispatchCancel()
	b.pool.Close()
	b.logger.Info("message bus closed")
	return nil
}
