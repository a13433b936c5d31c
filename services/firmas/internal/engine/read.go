package engine

import (
	"context"
	"path"

	"github.com/accordsai/creditlane/pkg/dochash"
	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

// Info is the signing-page payload.
type Info struct {
	Outcome
	Document []byte
	// Side is the party the caller signs as.
	Side domain.Actor
}

func (e *Engine) Info(ctx context.Context, c Caller, processID string) (info Info, err error) {
	ctx, span := e.start(ctx, "Info", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.loadFresh(ctx, processID, &info.Outcome)
	if err != nil {
		return info, err
	}
	if info.Side, err = e.authorizeProcess(c, p); err != nil {
		return info, err
	}
	info.Process = p
	src := p.DocumentPath
	if p.SignedDocumentPath != "" {
		src = p.SignedDocumentPath
	}
	if info.Document, err = e.getObject(ctx, src); err != nil {
		return info, err
	}
	return info, nil
}

// Get returns the process after any due lazy expiry.
func (e *Engine) Get(ctx context.Context, c Caller, processID string) (out Outcome, err error) {
	p, err := e.loadFresh(ctx, processID, &out)
	if err != nil {
		return out, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return out, err
	}
	out.Process = p
	return out, nil
}

type PendingResult struct {
	Processes []domain.Process
	Warnings  []string
}

// Pending lists processes waiting for the caller's signature.
func (e *Engine) Pending(ctx context.Context, c Caller) (res PendingResult, err error) {
	ctx, span := e.start(ctx, "Pending")
	defer func() { finish(span, err) }()

	if c.Role != domain.ActorApplicant && c.Role != domain.ActorReviewer {
		return res, domain.ErrUnauthorized
	}
	list, err := e.Repo.ListPendingFor(ctx, c.Role, c.UserID, e.Config.AllowAnyOperator)
	if err != nil {
		return res, err
	}
	res.Processes = []domain.Process{}
	for _, p := range list {
		var o Outcome
		fresh, err := e.expireIfDue(ctx, p, &o)
		res.Warnings = append(res.Warnings, o.Warnings...)
		if err != nil {
			res.Warnings = append(res.Warnings, p.ProcessID+": "+err.Error())
			continue
		}
		if fresh.State.IsExpirable() {
			res.Processes = append(res.Processes, fresh)
		}
	}
	return res, nil
}

func (e *Engine) AuditTrail(ctx context.Context, c Caller, processID string) (events []domain.AuditEvent, err error) {
	ctx, span := e.start(ctx, "AuditTrail", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.load(ctx, processID)
	if err != nil {
		return nil, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return nil, err
	}
	if e.Audit == nil {
		return []domain.AuditEvent{}, nil
	}
	return e.Audit.Trail(ctx, processID)
}

func (e *Engine) Stats(ctx context.Context, c Caller) (st store.Stats, err error) {
	ctx, span := e.start(ctx, "Stats")
	defer func() { finish(span, err) }()

	if c.Role != domain.ActorReviewer {
		return st, domain.ErrUnauthorized
	}
	return e.Repo.Stats(ctx, e.now())
}

type Download struct {
	Process  domain.Process
	Filename string
	Data     []byte
}

// Download returns the signed artifact of a process that has at least one
// signature.
func (e *Engine) Download(ctx context.Context, c Caller, processID string) (d Download, err error) {
	ctx, span := e.start(ctx, "Download", processAttr(processID))
	defer func() { finish(span, err) }()

	var o Outcome
	p, err := e.loadFresh(ctx, processID, &o)
	if err != nil {
		return d, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return d, err
	}
	if !p.State.IsSigned() || p.SignedDocumentPath == "" {
		return d, domain.Errorf(domain.CodeDocumentNotReady, "signature process %s has no signed document in state %s", p.ProcessID, p.State)
	}
	if d.Data, err = e.getObject(ctx, p.SignedDocumentPath); err != nil {
		return d, err
	}
	d.Process = p
	d.Filename = "contrato_firmado_" + p.ApplicationNumber + path.Ext(p.SignedDocumentPath)
	if p.ApplicationNumber == "" {
		d.Filename = "contrato_firmado_" + p.ProcessID + path.Ext(p.SignedDocumentPath)
	}
	return d, nil
}

type IntegrityReport struct {
	ProcessID      string       `json:"process_id"`
	State          domain.State `json:"state"`
	OriginalValid  bool         `json:"original_valid"`
	SignedValid    *bool        `json:"signed_valid,omitempty"`
	IntegrityValid bool         `json:"integrity_valid"`
	Warnings       []string     `json:"warnings,omitempty"`
}

// VerifyIntegrity re-hashes the stored snapshot and signed artifact against
// their recorded fingerprints. Mismatches are audited, not raised.
func (e *Engine) VerifyIntegrity(ctx context.Context, c Caller, processID string) (rep IntegrityReport, err error) {
	ctx, span := e.start(ctx, "VerifyIntegrity", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.load(ctx, processID)
	if err != nil {
		return rep, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return rep, err
	}
	rep.ProcessID, rep.State = p.ProcessID, p.State

	if p.OriginalHash != "" && p.OriginalHashMeta != nil {
		doc, err := e.getObject(ctx, p.DocumentPath)
		if err != nil {
			return rep, err
		}
		rep.OriginalValid, _ = dochash.Verify(doc, *p.OriginalHashMeta, p.OriginalHash)
	}
	if p.SignedHash != "" && p.SignedHashMeta != nil {
		doc, err := e.getObject(ctx, p.SignedDocumentPath)
		if err != nil {
			return rep, err
		}
		ok, _ := dochash.Verify(doc, *p.SignedHashMeta, p.SignedHash)
		rep.SignedValid = &ok
	}
	rep.IntegrityValid = p.IntegrityValid && rep.OriginalValid && rep.SignedValid != nil && *rep.SignedValid

	originalBad := p.OriginalHash != "" && !rep.OriginalValid
	if originalBad || (rep.SignedValid != nil && !*rep.SignedValid) {
		var o Outcome
		e.record(ctx, &o, audit.Entry{
			ProcessID:   p.ProcessID,
			ActorID:     c.UserID,
			Action:      domain.ActionIntegrityFailure,
			Description: "verificacion de integridad fallida",
			StateBefore: p.State,
			StateAfter:  p.State,
			Meta:        c.Meta,
		})
		rep.Warnings = o.Warnings
	}
	return rep, nil
}
