package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/accordsai/creditlane/pkg/dochash"
	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/collab"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

// Start outcomes reported by StartResult.Action.
const (
	StartCreated    = "creado"
	StartResent     = "reenviado"
	StartReinstated = "renovado"
	StartExisting   = "existente"
)

type StartResult struct {
	Outcome
	Action string
}

func (e *Engine) application(ctx context.Context, applicationID string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Application{}, domain.Errorf(domain.CodeProcessNotFound, "application %s not found", applicationID)
	}
	return app, err
}

// Start creates and sends a process for an approved application, generating
// the contract first when none exists. Without force, an in-flight process
// is returned as is and an expired one is reinstated.
func (e *Engine) Start(ctx context.Context, c Caller, applicationID string, force bool) (res StartResult, err error) {
	ctx, span := e.start(ctx, "Start", applicationAttr(applicationID))
	defer func() { finish(span, err) }()

	app, err := e.application(ctx, applicationID)
	if err != nil {
		return res, err
	}
	if _, err := e.authorize(c, app.ApplicantUserID, app.ReviewerUserID); err != nil {
		return res, err
	}
	if app.Status != domain.ApplicationApproved {
		return res, domain.Errorf(domain.CodeInvalidTransition, "application %s is %s, not approved", applicationID, app.Status)
	}

	latest, err := e.Repo.LatestProcessForApplication(ctx, applicationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return res, err
	default:
		if latest, err = e.expireIfDue(ctx, latest, &res.Outcome); err != nil {
			return res, err
		}
		if latest.State == domain.StateCompleted {
			return res, domain.Errorf(domain.CodeInvalidTransition, "contract for application %s is already fully signed", applicationID)
		}
		if !force {
			switch latest.State {
			case domain.StatePending:
				out, err := e.Send(ctx, c, latest.ProcessID)
				out.Warnings = append(res.Warnings, out.Warnings...)
				return StartResult{Outcome: out, Action: StartResent}, err
			case domain.StateSent, domain.StateSignedApplicant, domain.StateSignedReviewer:
				res.Process = latest
				res.Action = StartExisting
				return res, nil
			case domain.StateExpired:
				out, err := e.Reinstate(ctx, c, latest.ProcessID)
				out.Warnings = append(res.Warnings, out.Warnings...)
				return StartResult{Outcome: out, Action: StartReinstated}, err
			}
		}
	}

	if _, err := e.ensureContract(ctx, app); err != nil {
		return res, err
	}
	created, err := e.Create(ctx, c, applicationID)
	res.Warnings = append(res.Warnings, created.Warnings...)
	if err != nil {
		return res, err
	}
	sent, err := e.Send(ctx, c, created.Process.ProcessID)
	res.Warnings = append(res.Warnings, sent.Warnings...)
	res.Process = sent.Process
	res.Action = StartCreated
	if err != nil {
		res.Process = created.Process
	}
	return res, err
}

func (e *Engine) ensureContract(ctx context.Context, app domain.Application) (domain.Contract, error) {
	ct, err := e.Repo.LatestContractForApplication(ctx, app.ApplicationID)
	if err == nil {
		return ct, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Contract{}, err
	}
	if e.Contracts == nil {
		return domain.Contract{}, domain.ErrDocumentNotReady
	}
	ct, err = e.Contracts.Generate(ctx, app)
	if err != nil {
		return domain.Contract{}, domain.Wrap(domain.CodeDocumentNotReady, err, "contract generation failed")
	}
	if err := e.Repo.SaveContract(ctx, ct); err != nil {
		return domain.Contract{}, err
	}
	return ct, nil
}

// Create opens a pendiente process bound to the application's latest
// generated contract, superseding any active process.
func (e *Engine) Create(ctx context.Context, c Caller, applicationID string) (out Outcome, err error) {
	ctx, span := e.start(ctx, "Create", applicationAttr(applicationID))
	defer func() { finish(span, err) }()

	app, err := e.application(ctx, applicationID)
	if err != nil {
		return out, err
	}
	if _, err := e.authorize(c, app.ApplicantUserID, app.ReviewerUserID); err != nil {
		return out, err
	}
	ct, err := e.Repo.LatestContractForApplication(ctx, applicationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && ct.DocumentPath == "") {
		return out, domain.Errorf(domain.CodeDocumentNotReady, "no generated contract document for application %s", applicationID)
	}
	if err != nil {
		return out, err
	}

	now := e.now()
	p := domain.Process{
		ProcessID:         "sig_" + uuid.NewString(),
		ContractID:        ct.ContractID,
		ApplicationID:     app.ApplicationID,
		ApplicationNumber: app.ApplicationNumber,
		ApplicantUserID:   app.ApplicantUserID,
		ReviewerUserID:    app.ReviewerUserID,
		State:             domain.StatePending,
		DocumentPath:      ct.DocumentPath,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	superseded, err := e.Repo.SupersedeAndInsert(ctx, p)
	if errors.Is(err, store.ErrActiveProcessExists) {
		// A concurrent creator committed first; supersede it too.
		superseded, err = e.Repo.SupersedeAndInsert(ctx, p)
	}
	if err != nil {
		return out, storeErr(err, p.ProcessID)
	}
	for _, s := range superseded {
		e.record(ctx, &out, audit.Entry{
			ProcessID:   s.ProcessID,
			ActorID:     c.UserID,
			Action:      domain.ActionReplace,
			Description: "reemplazado por " + p.ProcessID,
			StateBefore: s.StateBefore,
			StateAfter:  domain.StateReplaced,
			Meta:        c.Meta,
		})
	}
	e.record(ctx, &out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionCreate,
		Description: "proceso creado para contrato " + ct.ContractID,
		StateAfter:  domain.StatePending,
		Meta:        c.Meta,
	})
	out.Process = p
	return out, nil
}

// Send fingerprints the contract, stores the unsigned snapshot and opens
// the signing window.
func (e *Engine) Send(ctx context.Context, c Caller, processID string) (out Outcome, err error) {
	ctx, span := e.start(ctx, "Send", processAttr(processID))
	defer func() { finish(span, err) }()

	p, err := e.load(ctx, processID)
	if err != nil {
		return out, err
	}
	if _, err := e.authorizeProcess(c, p); err != nil {
		return out, err
	}
	next, err := p.State.Apply(domain.EventSend)
	if err != nil {
		return out, err
	}
	doc, err := e.getObject(ctx, p.DocumentPath)
	if err != nil {
		return out, err
	}

	now := e.now()
	before := p.State
	snapshot := snapshotPath(p.ProcessID, p.DocumentPath)
	if err := e.putObject(ctx, snapshot, doc); err != nil {
		failed := p
		failed.SendAttemptCount++
		failed.LastError = err.Error()
		failed.UpdatedAt = now
		if uerr := e.Repo.UpdateProcess(ctx, failed, before); uerr != nil {
			out.warn("send failure not recorded: %v", uerr)
		} else {
			p = failed
		}
		out.Process = p
		return out, err
	}

	if p.OriginalHash == "" {
		generated, err := e.generatedAt(ctx, p)
		if err != nil {
			return out, err
		}
		meta := dochash.NewMetadata(doc, p.ApplicationID, p.ContractID, p.ApplicationNumber, generated)
		sum, err := dochash.Sum(doc, meta)
		if err != nil {
			return out, err
		}
		p.OriginalHash = sum
		p.OriginalHashMeta = &meta
	}
	expires := now.Add(e.Config.ExpiryWindow)
	p.State = next
	p.DocumentPath = snapshot
	p.SentAt = &now
	p.ExpiresAt = &expires
	p.SendAttemptCount++
	p.LastError = ""
	p.UpdatedAt = now
	if err := e.Repo.UpdateProcess(ctx, p, before); err != nil {
		return out, storeErr(err, p.ProcessID)
	}
	e.record(ctx, &out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionSend,
		Description: "documento enviado para firma",
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

// generatedAt is the generation time of the contract bound to p. Processes
// whose contract row is gone fall back to their own creation time.
func (e *Engine) generatedAt(ctx context.Context, p domain.Process) (time.Time, error) {
	ct, err := e.Repo.GetContract(ctx, p.ContractID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p.CreatedAt, nil
	case err != nil:
		return time.Time{}, err
	case ct.GeneratedAt.IsZero():
		return p.CreatedAt, nil
	}
	return ct.GeneratedAt, nil
}
