package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
)

// Memory is an in-process repository with the same semantics as Store.
// It backs FIRMAS_STORE=memory and the engine tests.
type Memory struct {
	mu           sync.Mutex
	processes    map[string]domain.Process
	applications map[string]domain.Application
	contracts    map[string]domain.Contract
	transfers    map[string][]string
	audit        []domain.AuditEvent
}

func NewMemory() *Memory {
	return &Memory{
		processes:    map[string]domain.Process{},
		applications: map[string]domain.Application{},
		contracts:    map[string]domain.Contract{},
		transfers:    map[string][]string{},
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneProcess(p domain.Process) domain.Process {
	p.SignedAtApplicant = cloneTime(p.SignedAtApplicant)
	p.SignedAtReviewer = cloneTime(p.SignedAtReviewer)
	p.SentAt = cloneTime(p.SentAt)
	p.ExpiresAt = cloneTime(p.ExpiresAt)
	if p.OriginalHashMeta != nil {
		m := *p.OriginalHashMeta
		p.OriginalHashMeta = &m
	}
	if p.SignedHashMeta != nil {
		m := *p.SignedHashMeta
		p.SignedHashMeta = &m
	}
	return p
}

func (m *Memory) PutApplication(a domain.Application) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applications[a.ApplicationID] = a
}

// AddTransfer records a fund transfer in the given estado for applicationID.
func (m *Memory) AddTransfer(applicationID, estado string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers[applicationID] = append(m.transfers[applicationID], estado)
}

func (m *Memory) GetProcess(ctx context.Context, processID string) (domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[processID]
	if !ok {
		return domain.Process{}, ErrNotFound
	}
	return cloneProcess(p), nil
}

func (m *Memory) sortedFor(applicationID string) []domain.Process {
	out := []domain.Process{}
	for _, p := range m.processes {
		if p.ApplicationID == applicationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ProcessID > out[j].ProcessID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) LatestProcessForApplication(ctx context.Context, applicationID string) (domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedFor(applicationID)
	if len(all) == 0 {
		return domain.Process{}, ErrNotFound
	}
	return cloneProcess(all[0]), nil
}

func (m *Memory) LatestCompletedProcess(ctx context.Context, applicationID string) (domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  domain.Process
		found bool
	)
	for _, p := range m.processes {
		if p.ApplicationID != applicationID || p.State != domain.StateCompleted {
			continue
		}
		if !found || p.UpdatedAt.After(best.UpdatedAt) {
			best, found = p, true
		}
	}
	if !found {
		return domain.Process{}, ErrNotFound
	}
	return cloneProcess(best), nil
}

func (m *Memory) activeFor(applicationID, exceptID string) []domain.Process {
	out := []domain.Process{}
	for _, p := range m.processes {
		if p.ApplicationID == applicationID && p.ProcessID != exceptID && p.State.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) SupersedeAndInsert(ctx context.Context, p domain.Process) ([]Superseded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processes[p.ProcessID]; ok {
		return nil, ErrActiveProcessExists
	}
	superseded := []Superseded{}
	for _, prev := range m.activeFor(p.ApplicationID, "") {
		superseded = append(superseded, Superseded{ProcessID: prev.ProcessID, StateBefore: prev.State})
		prev.State = domain.StateReplaced
		prev.UpdatedAt = p.CreatedAt
		m.processes[prev.ProcessID] = prev
	}
	sort.Slice(superseded, func(i, j int) bool { return superseded[i].ProcessID < superseded[j].ProcessID })
	m.processes[p.ProcessID] = cloneProcess(p)
	return superseded, nil
}

func (m *Memory) UpdateProcess(ctx context.Context, p domain.Process, expected domain.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.processes[p.ProcessID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != expected {
		return ErrStateConflict
	}
	if p.State.IsActive() && len(m.activeFor(cur.ApplicationID, cur.ProcessID)) > 0 {
		return ErrActiveProcessExists
	}
	next := cloneProcess(p)
	next.ApplicationID = cur.ApplicationID
	next.CreatedAt = cur.CreatedAt
	if cur.OriginalHash != "" {
		next.OriginalHash = cur.OriginalHash
		next.OriginalHashMeta = cur.OriginalHashMeta
	}
	m.processes[p.ProcessID] = next
	return nil
}

func (m *Memory) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]domain.Process, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Process{}
	for _, p := range m.processes {
		if p.State.IsExpirable() && p.ExpiresAt != nil && p.ExpiresAt.Before(now) {
			out = append(out, cloneProcess(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListPendingFor(ctx context.Context, actor domain.Actor, userID string, anyReviewer bool) ([]domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiting := domain.StateSignedReviewer
	if actor == domain.ActorReviewer {
		waiting = domain.StateSignedApplicant
	}
	out := []domain.Process{}
	for _, p := range m.processes {
		if p.State != domain.StateSent && p.State != waiting {
			continue
		}
		if !(actor == domain.ActorReviewer && anyReviewer) && p.BoundUser(actor) != userID {
			continue
		}
		out = append(out, cloneProcess(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ExpiresAt, out[j].ExpiresAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
	return out, nil
}

func (m *Memory) Stats(ctx context.Context, now time.Time) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := newStats()
	var hours float64
	for _, p := range m.processes {
		st.ByState[p.State]++
		st.Total++
		if p.State.IsExpirable() && p.ExpiresAt != nil && p.ExpiresAt.After(now) && !p.ExpiresAt.After(now.Add(expiringSoonWindow)) {
			st.ExpiringSoon++
		}
		if p.State != domain.StateCompleted || p.SentAt == nil || !p.BothSigned() {
			continue
		}
		done := *p.SignedAtApplicant
		if p.SignedAtReviewer.After(done) {
			done = *p.SignedAtReviewer
		}
		if done.Before(now.Add(-completedLookback)) {
			continue
		}
		st.CompletedLast30d++
		hours += done.Sub(*p.SentAt).Hours()
	}
	if st.CompletedLast30d > 0 {
		st.AvgHoursToComplete = hours / float64(st.CompletedLast30d)
	}
	return st, nil
}

func (m *Memory) AppendAuditEvent(ctx context.Context, ev domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.audit {
		if existing.EventID == ev.EventID {
			return ErrAppendOnly
		}
	}
	m.audit = append(m.audit, ev)
	return nil
}

func (m *Memory) ListAuditEvents(ctx context.Context, processID string) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.AuditEvent{}
	for _, ev := range m.audit {
		if ev.ProcessID == processID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (m *Memory) GetApplication(ctx context.Context, applicationID string) (domain.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[applicationID]
	if !ok {
		return domain.Application{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) GetContract(ctx context.Context, contractID string) (domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return domain.Contract{}, ErrNotFound
	}
	c.SignedAt = cloneTime(c.SignedAt)
	return c, nil
}

func (m *Memory) LatestContractForApplication(ctx context.Context, applicationID string) (domain.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  domain.Contract
		found bool
	)
	for _, c := range m.contracts {
		if c.ApplicationID != applicationID {
			continue
		}
		if !found || c.GeneratedAt.After(best.GeneratedAt) {
			best, found = c, true
		}
	}
	if !found {
		return domain.Contract{}, ErrNotFound
	}
	best.SignedAt = cloneTime(best.SignedAt)
	return best, nil
}

func (m *Memory) SaveContract(ctx context.Context, c domain.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[c.ContractID]; ok {
		return nil
	}
	m.contracts[c.ContractID] = c
	return nil
}

func (m *Memory) MarkContractSigned(ctx context.Context, contractID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return ErrNotFound
	}
	c.SignedAt = &at
	m.contracts[contractID] = c
	return nil
}

func (m *Memory) HasOpenTransfer(ctx context.Context, applicationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, estado := range m.transfers[applicationID] {
		switch estado {
		case "pendiente", "procesando", "completada":
			return true, nil
		}
	}
	return false, nil
}
