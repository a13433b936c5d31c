package engine

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/accordsai/creditlane/pkg/dochash"
	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/collab"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

type SignRequest struct {
	ProcessID string
	Actor     domain.Actor
	// Mark is the rendered signature supplied by the signer.
	Mark string
}

// Sign applies one party's signature. The process completes only when the
// other party has already signed and the stored artifact re-hashes to the
// recorded fingerprint; otherwise it rests in the signer's partial state.
func (e *Engine) Sign(ctx context.Context, c Caller, req SignRequest) (out Outcome, err error) {
	ctx, span := e.start(ctx, "Sign", processAttr(req.ProcessID), attribute.String("firmas.actor", string(req.Actor)))
	defer func() { finish(span, err) }()

	if strings.TrimSpace(req.Mark) == "" {
		return out, domain.Errorf(domain.CodeBadRequest, "firma_data is required")
	}
	p, err := e.loadFresh(ctx, req.ProcessID, &out)
	if err != nil {
		return out, err
	}
	side, err := e.authorizeProcess(c, p)
	if err != nil {
		return out, err
	}
	if side != req.Actor {
		return out, domain.Errorf(domain.CodeUnauthorized, "caller cannot sign as %s", req.Actor)
	}
	if !p.State.Allows(req.Actor.SignEvent()) {
		return out, domain.Errorf(domain.CodeInvalidTransition, "cannot sign as %s from state %s", req.Actor, p.State)
	}
	if err := e.verifyOriginal(ctx, c, p, &out); err != nil {
		return out, err
	}

	// Accumulate onto the previous signed artifact when the other party
	// already signed; otherwise start from the unsigned snapshot.
	base := p.DocumentPath
	if p.SignedDocumentPath != "" && p.HasSigned(req.Actor.Other()) {
		base = p.SignedDocumentPath
	}
	doc, err := e.getObject(ctx, base)
	if err != nil {
		return out, err
	}

	now := e.now()
	signer := domain.Signer{
		Actor:     req.Actor,
		UserID:    c.UserID,
		SignedAt:  now,
		IP:        c.Meta.IP,
		UserAgent: c.Meta.UserAgent,
		Location:  c.Meta.Location,
		Mark:      req.Mark,
	}
	signed, err := e.Renderer.MergeSignature(ctx, doc, []domain.Signer{signer})
	if err != nil {
		return out, domain.Wrap(domain.CodeRenderFailed, err, "merge signature")
	}
	meta := dochash.NewMetadata(signed, p.ApplicationID, p.ContractID, p.ApplicationNumber, now)
	sum, err := dochash.Sum(signed, meta)
	if err != nil {
		return out, err
	}
	// Each attempt writes its own object so the committed artifact stays
	// intact when the row update below loses a race or fails.
	target := signedPath(p.ProcessID, p.DocumentPath, sum)
	if err := e.putObject(ctx, target, signed); err != nil {
		return out, err
	}

	stored, err := e.getObject(ctx, target)
	if err != nil {
		return out, err
	}
	if ok, verr := dochash.Verify(stored, meta, sum); verr != nil || !ok {
		e.record(ctx, &out, audit.Entry{
			ProcessID:   p.ProcessID,
			ActorID:     c.UserID,
			Action:      domain.ActionIntegrityFailure,
			Description: "la huella del documento firmado no coincide tras almacenarlo",
			StateBefore: p.State,
			StateAfter:  p.State,
			Meta:        c.Meta,
		})
		out.Process = p
		return out, domain.Errorf(domain.CodeIntegrityMismatch, "signed artifact for %s does not match its fingerprint", p.ProcessID)
	}

	before := p.State
	if req.Actor == domain.ActorApplicant {
		p.SignedAtApplicant = &now
	} else {
		p.SignedAtReviewer = &now
	}
	p.IntegrityValid = p.BothSigned()
	p.State = domain.SignedState(req.Actor, p.HasSigned(req.Actor.Other()), p.IntegrityValid)
	p.SignedHash = sum
	p.SignedHashMeta = &meta
	p.SignedDocumentPath = target
	p.SignerIP = c.Meta.IP
	p.SignerUserAgent = c.Meta.UserAgent
	p.SignerLocation = c.Meta.Location
	p.UpdatedAt = now
	if err := e.Repo.UpdateProcess(ctx, p, before); err != nil {
		return out, storeErr(err, p.ProcessID)
	}

	e.record(ctx, &out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionSign,
		Description: "firma aplicada como " + string(req.Actor),
		StateBefore: before,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	if p.State == domain.StateCompleted {
		e.complete(ctx, c, p, &out)
	}
	out.Process = p
	return out, nil
}

func (e *Engine) complete(ctx context.Context, c Caller, p domain.Process, out *Outcome) {
	e.record(ctx, out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionComplete,
		Description: "contrato firmado por ambas partes",
		StateBefore: p.State,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	if err := e.Repo.MarkContractSigned(ctx, p.ContractID, p.UpdatedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			out.warn("contract %s not found, run reparar-relacion for %s", p.ContractID, p.ProcessID)
		} else {
			out.warn("contract %s not marked as signed: %v", p.ContractID, err)
		}
	}
	e.notify(ctx, out, collab.Notification{
		Kind:          collab.KindCompleted,
		ProcessID:     p.ProcessID,
		ApplicationID: p.ApplicationID,
		ContractID:    p.ContractID,
		Recipients:    recipients(p),
		OccurredAt:    p.UpdatedAt,
	})
}

// verifyOriginal re-hashes the unsigned snapshot against original_hash.
func (e *Engine) verifyOriginal(ctx context.Context, c Caller, p domain.Process, out *Outcome) error {
	if p.OriginalHash == "" || p.OriginalHashMeta == nil {
		return nil
	}
	doc, err := e.getObject(ctx, p.DocumentPath)
	if err != nil {
		return err
	}
	ok, err := dochash.Verify(doc, *p.OriginalHashMeta, p.OriginalHash)
	if err == nil && ok {
		return nil
	}
	e.record(ctx, out, audit.Entry{
		ProcessID:   p.ProcessID,
		ActorID:     c.UserID,
		Action:      domain.ActionIntegrityFailure,
		Description: "el documento original no coincide con su huella",
		StateBefore: p.State,
		StateAfter:  p.State,
		Meta:        c.Meta,
	})
	out.Process = p
	return domain.Errorf(domain.CodeIntegrityMismatch, "unsigned snapshot for %s does not match original_hash", p.ProcessID)
}
