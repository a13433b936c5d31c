package store

import (
	"context"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
)

// Stats aggregates the signature dashboard figures.
type Stats struct {
	ByState            map[domain.State]int `json:"by_state"`
	Total              int                  `json:"total"`
	ExpiringSoon       int                  `json:"expiring_within_24h"`
	CompletedLast30d   int                  `json:"completed_last_30d"`
	AvgHoursToComplete float64              `json:"avg_hours_to_complete"`
}

const (
	expiringSoonWindow = 24 * time.Hour
	completedLookback  = 30 * 24 * time.Hour
)

func newStats() Stats {
	st := Stats{ByState: map[domain.State]int{}}
	for _, s := range domain.AllStates {
		st.ByState[s] = 0
	}
	return st
}

func (s *Store) Stats(ctx context.Context, now time.Time) (Stats, error) {
	st := newStats()
	rows, err := s.DB.Query(ctx, `SELECT state, count(*) FROM signature_processes GROUP BY state`)
	if err != nil {
		return Stats{}, err
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.ByState[domain.State(state)] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := s.DB.QueryRow(ctx, `
SELECT count(*) FROM signature_processes
WHERE state = ANY($1) AND expires_at > $2 AND expires_at <= $3`,
		stateStrings(domain.ExpirableStates), now, now.Add(expiringSoonWindow)).Scan(&st.ExpiringSoon); err != nil {
		return Stats{}, err
	}

	if err := s.DB.QueryRow(ctx, `
SELECT count(*),
       COALESCE(avg(extract(epoch FROM (GREATEST(signed_at_applicant, signed_at_reviewer) - sent_at)) / 3600.0), 0)::float8
FROM signature_processes
WHERE state=$1 AND GREATEST(signed_at_applicant, signed_at_reviewer) >= $2 AND sent_at IS NOT NULL`,
		string(domain.StateCompleted), now.Add(-completedLookback)).Scan(&st.CompletedLast30d, &st.AvgHoursToComplete); err != nil {
		return Stats{}, err
	}
	return st, nil
}
