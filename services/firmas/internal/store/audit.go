package store

import (
	"context"

	"github.com/accordsai/creditlane/pkg/domain"
)

func (s *Store) AppendAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO signature_audit_events(event_id,process_id,actor_id,action,description,state_before,state_after,occurred_at,ip,user_agent)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, ev.EventID, ev.ProcessID, ev.ActorID, ev.Action, ev.Description,
		nullable(string(ev.StateBefore)), nullable(string(ev.StateAfter)), ev.OccurredAt, nullable(ev.IP), nullable(ev.UserAgent))
	if isUniqueViolation(err) {
		return ErrAppendOnly
	}
	return err
}

func (s *Store) ListAuditEvents(ctx context.Context, processID string) ([]domain.AuditEvent, error) {
	rows, err := s.DB.Query(ctx, `
SELECT event_id,process_id,actor_id,action,description,state_before,state_after,occurred_at,ip,user_agent
FROM signature_audit_events
WHERE process_id=$1
ORDER BY occurred_at ASC, event_id ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.AuditEvent{}
	for rows.Next() {
		var (
			ev                        domain.AuditEvent
			before, after, ip, agent *string
		)
		if err := rows.Scan(&ev.EventID, &ev.ProcessID, &ev.ActorID, &ev.Action, &ev.Description, &before, &after, &ev.OccurredAt, &ip, &agent); err != nil {
			return nil, err
		}
		ev.StateBefore = domain.State(deref(before))
		ev.StateAfter = domain.State(deref(after))
		ev.IP = deref(ip)
		ev.UserAgent = deref(agent)
		out = append(out, ev)
	}
	return out, rows.Err()
}
