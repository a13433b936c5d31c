package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
)

type fakeStore struct {
	events []domain.AuditEvent
	err    error
}

func (f *fakeStore) AppendAuditEvent(_ context.Context, ev domain.AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) ListAuditEvents(_ context.Context, processID string) ([]domain.AuditEvent, error) {
	out := []domain.AuditEvent{}
	for _, ev := range f.events {
		if ev.ProcessID == processID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestAppendStampsEvent(t *testing.T) {
	st := &fakeStore{}
	at := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	l := &Log{Store: st, Now: func() time.Time { return at }}
	res := l.Append(context.Background(), Entry{
		ProcessID:   "sig_1",
		ActorID:     "usr_1",
		Action:      domain.ActionSign,
		StateBefore: domain.StateSent,
		StateAfter:  domain.StateSignedApplicant,
		Meta:        domain.RequestMeta{IP: "10.0.0.1", UserAgent: "ua"},
	})
	if !res.OK() || res.EventID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	trail, _ := l.Trail(context.Background(), "sig_1")
	if len(trail) != 1 {
		t.Fatalf("expected one event, got %d", len(trail))
	}
	ev := trail[0]
	if ev.EventID != res.EventID || !ev.OccurredAt.Equal(at) || ev.IP != "10.0.0.1" || ev.StateAfter != domain.StateSignedApplicant {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAppendFailureIsReportedNotRaised(t *testing.T) {
	boom := errors.New("db down")
	l := New(&fakeStore{err: boom})
	res := l.Append(context.Background(), Entry{ProcessID: "sig_1", Action: domain.ActionExpire})
	if res.OK() || !errors.Is(res.Err, boom) {
		t.Fatalf("expected failure result, got %+v", res)
	}
}
