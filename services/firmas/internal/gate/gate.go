// Package gate answers whether an application's funds may be transferred.
// The answer is computed from the store on every call and never cached.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

type Reader interface {
	LatestCompletedProcess(ctx context.Context, applicationID string) (domain.Process, error)
	HasOpenTransfer(ctx context.Context, applicationID string) (bool, error)
}

// Reasons reported when an application is not eligible.
const (
	ReasonNotSigned      = "contrato sin firma completa"
	ReasonTransferExists = "transferencia existente"
)

type Decision struct {
	ApplicationID string    `json:"application_id"`
	Eligible      bool      `json:"eligible"`
	ProcessID     string    `json:"process_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

type Gate struct {
	Reader Reader
	Now    func() time.Time
}

func New(r Reader) *Gate { return &Gate{Reader: r, Now: time.Now} }

func (g *Gate) EligibleForTransfer(ctx context.Context, applicationID string) (Decision, error) {
	d := Decision{ApplicationID: applicationID, CheckedAt: g.now()}
	p, err := g.Reader.LatestCompletedProcess(ctx, applicationID)
	if errors.Is(err, store.ErrNotFound) {
		d.Reason = ReasonNotSigned
		return d, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if p.State != domain.StateCompleted || !p.BothSigned() {
		d.Reason = ReasonNotSigned
		return d, nil
	}
	d.ProcessID = p.ProcessID
	open, err := g.Reader.HasOpenTransfer(ctx, applicationID)
	if err != nil {
		return Decision{}, err
	}
	if open {
		d.Reason = ReasonTransferExists
		return d, nil
	}
	d.Eligible = true
	return d, nil
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}
