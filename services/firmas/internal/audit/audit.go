// Package audit records signature lifecycle events. Appends are best-effort:
// a failed append is logged and reported back to the caller, never raised.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/accordsai/creditlane/pkg/domain"
)

type Store interface {
	AppendAuditEvent(ctx context.Context, ev domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, processID string) ([]domain.AuditEvent, error)
}

// Result is the outcome of one append.
type Result struct {
	EventID string
	Err     error
}

func (r Result) OK() bool { return r.Err == nil }

type Log struct {
	Store Store
	Now   func() time.Time
}

func New(st Store) *Log { return &Log{Store: st, Now: time.Now} }

// Entry is an event before it is stamped with an id and time.
type Entry struct {
	ProcessID   string
	ActorID     string
	Action      string
	Description string
	StateBefore domain.State
	StateAfter  domain.State
	Meta        domain.RequestMeta
}

func (l *Log) Append(ctx context.Context, e Entry) Result {
	ev := domain.AuditEvent{
		EventID:     "evt_" + uuid.NewString(),
		ProcessID:   e.ProcessID,
		ActorID:     e.ActorID,
		Action:      e.Action,
		Description: e.Description,
		StateBefore: e.StateBefore,
		StateAfter:  e.StateAfter,
		OccurredAt:  l.now(),
		IP:          e.Meta.IP,
		UserAgent:   e.Meta.UserAgent,
	}
	if err := l.Store.AppendAuditEvent(ctx, ev); err != nil {
		log.Printf("audit: append %s for %s failed: %v", e.Action, e.ProcessID, err)
		return Result{EventID: ev.EventID, Err: err}
	}
	return Result{EventID: ev.EventID}
}

func (l *Log) Trail(ctx context.Context, processID string) ([]domain.AuditEvent, error) {
	return l.Store.ListAuditEvents(ctx, processID)
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}
