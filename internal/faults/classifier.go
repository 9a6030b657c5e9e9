package faults

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/parley/internal/backend"
)

// defaultRateLimitDelay applies when the backend rate-limits without
// naming a wait.
const defaultRateLimitDelay = 2 * time.Second

// Trail is the append-only audit sink for classified failures. A failed
// trail write must never fail the pipeline; implementations log and move
// on.
type Trail interface {
	Append(Record) error
	MarkRecovered(id string) error
}

// Classifier maps raw errors to taxonomy records and records to recovery
// decisions. Safe for concurrent use.
type Classifier struct {
	trail  Trail
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Classifier writing to trail. trail may be nil; records
// are then only logged.
func New(trail Trail) *Classifier {
	return &Classifier{
		trail:  trail,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Classify builds a Record for err, appends it to the trail, and returns
// it. Explicit tags win over type inference.
func (c *Classifier) Classify(err error, sessionID string) Record {
	r := Record{
		ID:        uuid.New().String(),
		Category:  categorize(err),
		Message:   err.Error(),
		SessionID: sessionID,
		Timestamp: c.now().UTC(),
	}

	c.logger.Warn("classified failure",
		"category", r.Category, "session_id", sessionID, "error", err)

	if c.trail != nil {
		if terr := c.trail.Append(r); terr != nil {
			c.logger.Error("appending error record", "record_id", r.ID, "error", terr)
		}
	}
	return r
}

// Resolve marks a previously classified record as recovered: a later
// attempt in the same exchange succeeded.
func (c *Classifier) Resolve(r Record) {
	if c.trail == nil {
		return
	}
	if err := c.trail.MarkRecovered(r.ID); err != nil {
		c.logger.Error("marking record recovered", "record_id", r.ID, "error", err)
	}
}

// Decide applies the decision table to a record. Every decision is
// logged; the caller owns acting on it.
func (c *Classifier) Decide(r Record) Decision {
	d := decisionFor(r.Category)
	c.logger.Info("recovery decision",
		"category", r.Category, "action", d.Action, "session_id", r.SessionID)
	return d
}

// decisionFor is the category → action table.
//
//	backend-connection, timeout → retry (connector backoff), fallback when spent
//	rate-limit                  → retry after the backend's delay, fallback when spent
//	channel-delivery            → retry the delivery; escalate when spent,
//	                              a fallback reply would ride the same broken channel
//	processing                  → fallback, no retry
//	memory, unknown             → escalate
func decisionFor(cat Category) Decision {
	switch cat {
	case BackendConnection, Timeout:
		return Decision{Action: ActionRetry, IfExhausted: ActionFallback}
	case RateLimit:
		return Decision{Action: ActionRetry, RetryAfter: defaultRateLimitDelay, IfExhausted: ActionFallback}
	case ChannelDelivery:
		return Decision{Action: ActionRetry, IfExhausted: ActionEscalate}
	case Processing:
		return Decision{Action: ActionFallback}
	default:
		return Decision{Action: ActionEscalate}
	}
}

func categorize(err error) Category {
	if cat, ok := taggedCategory(err); ok {
		return cat
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Timeout
	case backend.IsRateLimited(err):
		return RateLimit
	case errors.Is(err, backend.ErrCircuitOpen), errors.Is(err, backend.ErrUnavailable):
		return BackendConnection
	case backend.IsTransient(err):
		// Transient but not a timeout or rate limit: connection trouble.
		return BackendConnection
	default:
		return Unknown
	}
}
