package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/collab"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

func (e *Engine) expire(ctx context.Context, p domain.Process, c Caller, why string, o *Outcome) (domain.Process, error) {
	now := e.now()
	if !p.IsDue(now) {
		if !p.State.IsExpirable() || p.ExpiresAt == nil {
			return p, domain.Errorf(domain.CodeInvalidTransition, "cannot expire from state %s", p.State)
		}
		return p, domain.Errorf(domain.CodeInvalidTransition, "signature process %s is not due until %s", p.ProcessID, p.ExpiresAt.Format(time.RFC3339))
	}
	next, err := p.State.Apply(domain.EventExpire)
	if err != nil {
		return p, err
	}
	before := p.State
	p.State = next
	p.UpdatedAt = now
	if err := e.Repo.UpdateProcess(ctx, p, before); err != nil {
		return p, storeErr(err, p.ProcessID)
	}
	e.record(ctx, o, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionExpire,
		Description: why,
		StateBefore: before,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	return p, nil
}

// Expire moves a process past its window to expirado.
func (e *Engine) Expire(ctx context.Context, c Caller, processID string) (out Outcome, err error) {
	ctx, span := e.start(ctx, "Expire", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.load(ctx, processID)
	if err != nil {
		return out, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return out, err
	}
	out.Process, err = e.expire(ctx, p, c, "expiracion solicitada por operador", &out)
	return out, err
}

type SweepResult struct {
	Expired  []string `json:"expired"`
	Warnings []string `json:"warnings,omitempty"`
}

// ExpireDue expires every process whose window has passed.
func (e *Engine) ExpireDue(ctx context.Context, c Caller, limit int) (res SweepResult, err error) {
	ctx, span := e.start(ctx, "ExpireDue")
	defer func() { finish(span, err) }()

	due, err := e.Repo.ListDueForExpiry(ctx, e.now(), limit)
	if err != nil {
		return res, err
	}
	res.Expired = []string{}
	for _, p := range due {
		var o Outcome
		if _, err := e.expire(ctx, p, c, "expiracion por barrido", &o); err != nil {
			res.Warnings = append(res.Warnings, p.ProcessID+": "+err.Error())
			continue
		}
		res.Expired = append(res.Expired, p.ProcessID)
		res.Warnings = append(res.Warnings, o.Warnings...)
	}
	return res, nil
}

// Reinstate opens a new signing cycle on an expired process. Rapid retries
// are refused once the attempt cap is reached inside the grace period.
func (e *Engine) Reinstate(ctx context.Context, c Caller, processID string) (out Outcome, err error) {
	ctx, span := e.start(ctx, "Reinstate", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.loadFresh(ctx, processID, &out)
	if err != nil {
		return out, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return out, err
	}
	next, err := p.State.Apply(domain.EventReinstate)
	if err != nil {
		return out, err
	}
	now := e.now()
	if now.Sub(p.CreatedAt) < e.Config.RetryGrace && p.SendAttemptCount >= e.Config.RetryMaxAttempts {
		return out, domain.Errorf(domain.CodeRetryLimitReached,
			"%d attempts already made, retry after %s", p.SendAttemptCount, p.CreatedAt.Add(e.Config.RetryGrace).Format(time.RFC3339))
	}

	before := p.State
	expires := now.Add(e.Config.ExpiryWindow)
	p.State = next
	p.SentAt = &now
	p.ExpiresAt = &expires
	p.SendAttemptCount++
	p.LastError = ""
	p.SignedAtApplicant = nil
	p.SignedAtReviewer = nil
	p.SignedHash = ""
	p.SignedHashMeta = nil
	p.SignedDocumentPath = ""
	p.SignerIP = ""
	p.SignerUserAgent = ""
	p.SignerLocation = ""
	p.IntegrityValid = false
	p.UpdatedAt = now
	if err := e.Repo.UpdateProcess(ctx, p, before); err != nil {
		return out, storeErr(err, p.ProcessID)
	}
	e.record(ctx, &out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionReinstate,
		Description: "nuevo ciclo de firma",
		StateBefore: before,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	e.notify(ctx, &out, collab.Notification{
		Kind:          collab.KindSent,
		ProcessID:     p.ProcessID,
		ApplicationID: p.ApplicationID,
		ContractID:    p.ContractID,
		Recipients:    recipients(p),
		OccurredAt:    now,
	})
	out.Process = p
	return out, nil
}

// Decline ends a non-terminal process as rechazado.
func (e *Engine) Decline(ctx context.Context, c Caller, processID, reason string) (out Outcome, err error) {
	ctx, span := e.start(ctx, "Decline", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.loadFresh(ctx, processID, &out)
	if err != nil {
		return out, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return out, err
	}
	next, err := p.State.Apply(domain.EventDecline)
	if err != nil {
		return out, err
	}
	before := p.State
	p.State = next
	p.DeclineReason = strings.TrimSpace(reason)
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdateProcess(ctx, p, before); err != nil {
		return out, storeErr(err, p.ProcessID)
	}
	desc := "firma rechazada por " + string(c.Role)
	if p.DeclineReason != "" {
		desc += ": " + p.DeclineReason
	}
	e.record(ctx, &out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionDecline,
		Description: desc,
		StateBefore: before,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	e.notify(ctx, &out, collab.Notification{
		Kind:          collab.KindDeclined,
		ProcessID:     p.ProcessID,
		ApplicationID: p.ApplicationID,
		ContractID:    p.ContractID,
		Recipients:    recipients(p),
		Reason:        p.DeclineReason,
		OccurredAt:    p.UpdatedAt,
	})
	out.Process = p
	return out, nil
}

type RepairResult struct {
	Outcome
	Repaired           bool
	PreviousContractID string
}

// Repair re-binds a process whose contract record is missing or belongs to
// another application to the application's latest contract.
func (e *Engine) Repair(ctx context.Context, c Caller, processID string) (res RepairResult, err error) {
	ctx, span := e.start(ctx, "Repair", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.load(ctx, processID)
	if err != nil {
		return res, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return res, err
	}
	res.Process = p
	current, err := e.Repo.GetContract(ctx, p.ContractID)
	switch {
	case err == nil && current.ApplicationID == p.ApplicationID:
		return res, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return res, err
	}
	ct, err := e.Repo.LatestContractForApplication(ctx, p.ApplicationID)
	if errors.Is(err, store.ErrNotFound) {
		return res, domain.Errorf(domain.CodeDocumentNotReady, "no contract found for application %s", p.ApplicationID)
	}
	if err != nil {
		return res, err
	}
	res.PreviousContractID = p.ContractID
	p.ContractID = ct.ContractID
	p.UpdatedAt = e.now()
	if err := e.Repo.UpdateProcess(ctx, p, p.State); err != nil {
		return res, storeErr(err, p.ProcessID)
	}
	e.record(ctx, &res.Outcome, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionRepairRelation,
		Description: "contrato " + res.PreviousContractID + " reemplazado por " + ct.ContractID,
		StateBefore: p.State,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	if p.State == domain.StateCompleted && ct.SignedAt == nil {
		if err := e.Repo.MarkContractSigned(ctx, ct.ContractID, p.UpdatedAt); err != nil {
			res.warn("contract %s not marked as signed: %v", ct.ContractID, err)
		}
	}
	res.Process = p
	res.Repaired = true
	return res, nil
}
