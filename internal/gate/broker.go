package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/request_gate/internal/approval"
	"github.com/triage-ai/palisade/services/request_gate/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Resolve for unknown or already resolved IDs.
	ErrNotFound = errors.New("pending decision not found")
	// ErrOutcomeNotOffered is returned by Resolve when the outcome is not
	// one of the options for the decision's kind.
	ErrOutcomeNotOffered = errors.New("outcome not offered for this decision")
)

// PendingRequest is the console-facing view of a decision awaiting an operator.
type PendingRequest struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Hostname  string            `json:"hostname,omitempty"`
	Port      int               `json:"port,omitempty"`
	Category  approval.Category `json:"category,omitempty"`
	Preview   string            `json:"preview,omitempty"`
	ClientID  string            `json:"client_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Options lists the outcomes a console should offer for p.
func (p PendingRequest) Options() []Outcome {
	return OptionsFor(p.Kind)
}

// EventType classifies broker events.
type EventType string

const (
	EventRequested EventType = "requested"
	EventResolved  EventType = "resolved"
	EventAbandoned EventType = "abandoned"
)

// Event is published to subscribers whenever the pending set changes.
type Event struct {
	Type    EventType      `json:"type"`
	Request PendingRequest `json:"request"`
	Outcome Outcome        `json:"outcome,omitempty"`
	Actor   string         `json:"actor,omitempty"`
}

const subscriberBuffer = 64

type resolution struct {
	outcome Outcome
	actor   string
}

type pendingDecision struct {
	req PendingRequest
	ch  chan resolution // buffered 1; receives exactly one send
}

// Broker is a Prompt that parks each decision in a pending set until an
// operator console resolves it.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingDecision
	subs    map[int]chan Event
	nextSub int

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewBroker creates an empty Broker. m may be nil.
func NewBroker(m *metrics.Metrics, logger *zap.Logger) *Broker {
	return &Broker{
		pending: make(map[string]*pendingDecision),
		subs:    make(map[int]chan Event),
		metrics: m,
		logger:  logger,
	}
}

// RequestApproval parks an HTTP request decision and waits for it.
func (b *Broker) RequestApproval(ctx context.Context, req HTTPApprovalRequest) (Outcome, error) {
	return b.wait(ctx, PendingRequest{
		Kind:     KindHTTPRequest,
		Hostname: req.Hostname,
		Port:     req.Port,
		Preview:  req.Preview,
	})
}

// RequestHistoryAccess parks a history access decision and waits for it.
func (b *Broker) RequestHistoryAccess(ctx context.Context, category approval.Category) (Outcome, error) {
	return b.wait(ctx, PendingRequest{
		Kind:     KindHistoryAccess,
		Category: category,
	})
}

func (b *Broker) wait(ctx context.Context, req PendingRequest) (Outcome, error) {
	req.ID = uuid.NewString()
	req.ClientID = RequesterFrom(ctx)
	req.CreatedAt = time.Now()
	p := &pendingDecision{req: req, ch: make(chan resolution, 1)}

	b.mu.Lock()
	b.pending[req.ID] = p
	b.publishLocked(Event{Type: EventRequested, Request: req})
	b.mu.Unlock()
	b.metrics.PendingAdded()

	b.logger.Info("approval requested",
		zap.String("pending_id", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.String("hostname", req.Hostname),
		zap.Int("port", req.Port),
		zap.String("category", string(req.Category)),
	)

	n := noteFrom(ctx)
	if n != nil {
		n.pendingID = req.ID
	}

	select {
	case r := <-p.ch:
		n.setActor(r.actor)
		return r.outcome, nil
	case <-ctx.Done():
		b.mu.Lock()
		_, still := b.pending[req.ID]
		if still {
			delete(b.pending, req.ID)
			b.publishLocked(Event{Type: EventAbandoned, Request: req})
		}
		b.mu.Unlock()
		if !still {
			// Resolve won the race; its outcome is already buffered.
			r := <-p.ch
			n.setActor(r.actor)
			return r.outcome, nil
		}
		b.metrics.PendingRemoved()
		return "", fmt.Errorf("RequestApproval %s: %w", req.ID, ctx.Err())
	}
}

// Resolve delivers an operator's outcome to the waiting check.
func (b *Broker) Resolve(id string, outcome Outcome, actor string) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("Resolve %s: %w", id, ErrNotFound)
	}
	if !outcome.AppliesTo(p.req.Kind) {
		b.mu.Unlock()
		return fmt.Errorf("Resolve %s (%s): %w", id, outcome, ErrOutcomeNotOffered)
	}
	delete(b.pending, id)
	p.ch <- resolution{outcome: outcome, actor: actor}
	b.publishLocked(Event{Type: EventResolved, Request: p.req, Outcome: outcome, Actor: actor})
	b.mu.Unlock()
	b.metrics.PendingRemoved()

	b.logger.Info("approval resolved",
		zap.String("pending_id", id),
		zap.String("outcome", string(outcome)),
		zap.String("actor", actor),
	)
	return nil
}

// Pending returns a snapshot of unresolved decisions, oldest first.
func (b *Broker) Pending() []PendingRequest {
	b.mu.Lock()
	out := make([]PendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.req)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Subscribe returns a channel of broker events and a cancel func. Events
// are dropped for subscribers that fall behind.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broker) publishLocked(ev Event) {
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("broker subscriber lagging, dropping event",
				zap.Int("subscriber", id),
				zap.String("pending_id", ev.Request.ID),
				zap.String("event", string(ev.Type)),
			)
		}
	}
}
