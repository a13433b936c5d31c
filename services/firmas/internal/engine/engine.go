// Package engine drives signature processes through their lifecycle:
// creation, sending, dual signing with integrity checks, expiry,
// reinstatement, decline and repair.
//
// Every transition reads the process row, validates the move against the
// domain transition table and writes back conditionally on the state it
// read. Audit and notification failures never block a transition; they
// come back as warnings on the Outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/pkg/objectstore"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/collab"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

const tracerName = "github.com/accordsai/creditlane/services/firmas/internal/engine"

// SystemActor is recorded as the actor of transitions nobody requested,
// such as lazy expiry.
const SystemActor = "sistema"

type Repository interface {
	GetProcess(ctx context.Context, processID string) (domain.Process, error)
	LatestProcessForApplication(ctx context.Context, applicationID string) (domain.Process, error)
	SupersedeAndInsert(ctx context.Context, p domain.Process) ([]store.Superseded, error)
	UpdateProcess(ctx context.Context, p domain.Process, expected domain.State) error
	ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]domain.Process, error)
	ListPendingFor(ctx context.Context, actor domain.Actor, userID string, anyReviewer bool) ([]domain.Process, error)
	Stats(ctx context.Context, now time.Time) (store.Stats, error)

	GetApplication(ctx context.Context, applicationID string) (domain.Application, error)
	GetContract(ctx context.Context, contractID string) (domain.Contract, error)
	LatestContractForApplication(ctx context.Context, applicationID string) (domain.Contract, error)
	SaveContract(ctx context.Context, c domain.Contract) error
	MarkContractSigned(ctx context.Context, contractID string, at time.Time) error
}

type Config struct {
	ExpiryWindow     time.Duration
	RetryGrace       time.Duration
	RetryMaxAttempts int
	// AllowAnyOperator lets any reviewer act on any process.
	AllowAnyOperator bool
}

func DefaultConfig() Config {
	return Config{ExpiryWindow: 7 * 24 * time.Hour, RetryGrace: 30 * time.Minute, RetryMaxAttempts: 3}
}

type Deps struct {
	Repo      Repository
	Objects   objectstore.Store
	Audit     *audit.Log
	Contracts collab.ContractService
	Renderer  collab.DocumentRenderer
	Notifier  collab.NotificationService
}

type Engine struct {
	Deps
	Config Config
	Now    func() time.Time
	tracer trace.Tracer
}

func New(deps Deps, cfg Config) *Engine {
	return &Engine{Deps: deps, Config: cfg, Now: time.Now, tracer: otel.Tracer(tracerName)}
}

// Caller is the authenticated party behind an operation.
type Caller struct {
	UserID string
	Role   domain.Actor
	Meta   domain.RequestMeta
}

// Outcome is the result of a mutating operation.
type Outcome struct {
	Process  domain.Process
	Warnings []string
}

func (o *Outcome) warn(format string, args ...any) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

func (o *Outcome) audited(res audit.Result) {
	if !res.OK() {
		o.warn("audit event not recorded: %v", res.Err)
	}
}

func (e *Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().UTC().Truncate(time.Microsecond)
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	t := e.tracer
	if t == nil {
		t = otel.Tracer(tracerName)
	}
	return t.Start(ctx, "firmas."+op, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (e *Engine) record(ctx context.Context, o *Outcome, entry audit.Entry) {
	if e.Audit == nil {
		return
	}
	o.audited(e.Audit.Append(ctx, entry))
}

func (e *Engine) notify(ctx context.Context, o *Outcome, n collab.Notification) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, n); err != nil {
		o.warn("notification %s not delivered: %v", n.Kind, err)
	}
}

func (e *Engine) load(ctx context.Context, processID string) (domain.Process, error) {
	p, err := e.Repo.GetProcess(ctx, processID)
	if err != nil {
		return domain.Process{}, storeErr(err, processID)
	}
	return p, nil
}

// loadFresh loads a process and applies a due lazy expiry first.
func (e *Engine) loadFresh(ctx context.Context, processID string, o *Outcome) (domain.Process, error) {
	p, err := e.load(ctx, processID)
	if err != nil {
		return p, err
	}
	return e.expireIfDue(ctx, p, o)
}

func (e *Engine) expireIfDue(ctx context.Context, p domain.Process, o *Outcome) (domain.Process, error) {
	if !p.IsDue(e.now()) {
		return p, nil
	}
	expired, err := e.expire(ctx, p, Caller{UserID: SystemActor}, "expiracion automatica al consultar", o)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return e.load(ctx, p.ProcessID)
	}
	return expired, err
}

// authorize returns the side of p the caller is bound to.
func (e *Engine) authorize(c Caller, applicantID, reviewerID string) (domain.Actor, error) {
	switch c.Role {
	case domain.ActorApplicant:
		if c.UserID != "" && c.UserID == applicantID {
			return domain.ActorApplicant, nil
		}
	case domain.ActorReviewer:
		if e.Config.AllowAnyOperator || (c.UserID != "" && c.UserID == reviewerID) {
			return domain.ActorReviewer, nil
		}
	}
	return "", domain.ErrUnauthorized
}

func (e *Engine) authorizeProcess(c Caller, p domain.Process) (domain.Actor, error) {
	return e.authorize(c, p.ApplicantUserID, p.ReviewerUserID)
}

func storeErr(err error, processID string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.Errorf(domain.CodeProcessNotFound, "signature process %s not found", processID)
	case errors.Is(err, store.ErrStateConflict):
		return domain.Errorf(domain.CodeInvalidTransition, "signature process %s changed concurrently, reload and retry", processID)
	case errors.Is(err, store.ErrActiveProcessExists):
		return domain.Wrap(domain.CodeInvalidTransition, err, "another active signature process exists for the application")
	}
	return err
}

func (e *Engine) getObject(ctx context.Context, p string) ([]byte, error) {
	b, err := e.Objects.Get(ctx, p)
	if err != nil {
		return nil, domain.Wrap(domain.CodeDownloadFailed, err, "download "+p)
	}
	return b, nil
}

func (e *Engine) putObject(ctx context.Context, p string, data []byte) error {
	if err := e.Objects.Put(ctx, p, data); err != nil {
		return domain.Wrap(domain.CodeUploadFailed, err, "upload "+p)
	}
	return nil
}

func snapshotPath(processID, source string) string {
	return objectstore.CleanPath(fmt.Sprintf("firmas/%s/original%s", processID, path.Ext(source)))
}

// signedPath names a signed artifact after its fingerprint. Only the path
// recorded on the process row is authoritative.
func signedPath(processID, source, sum string) string {
	if len(sum) > 16 {
		sum = sum[:16]
	}
	return objectstore.CleanPath(fmt.Sprintf("firmas/%s/firmado-%s%s", processID, sum, path.Ext(source)))
}

func recipients(p domain.Process) []string {
	out := []string{p.ApplicantUserID}
	if p.ReviewerUserID != "" {
		out = append(out, p.ReviewerUserID)
	}
	return out
}

func processAttr(id string) attribute.KeyValue { return attribute.String("firmas.process_id", id) }

func applicationAttr(id string) attribute.KeyValue {
	return attribute.String("firmas.application_id", id)
}
