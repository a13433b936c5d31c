package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/pkg/objectstore"
	"github.com/accordsai/creditlane/services/firmas/internal/audit"
	"github.com/accordsai/creditlane/services/firmas/internal/collab"
	"github.com/accordsai/creditlane/services/firmas/internal/gate"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

var (
	applicant = Caller{UserID: "usr_app", Role: domain.ActorApplicant, Meta: domain.RequestMeta{IP: "10.0.0.1", UserAgent: "firefox"}}
	reviewer  = Caller{UserID: "usr_rev", Role: domain.ActorReviewer, Meta: domain.RequestMeta{IP: "10.0.0.2", UserAgent: "chrome"}}
)

type flakyObjects struct {
	*objectstore.Memory
	failPut bool
}

func (f *flakyObjects) Put(ctx context.Context, p string, data []byte) error {
	if f.failPut {
		return errors.New("s3 unavailable")
	}
	return f.Memory.Put(ctx, p, data)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []collab.Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg collab.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := []string{}
	for _, m := range n.sent {
		out = append(out, m.Kind)
	}
	return out
}

type failingAudit struct{}

func (failingAudit) AppendAuditEvent(context.Context, domain.AuditEvent) error {
	return errors.New("audit table locked")
}

func (failingAudit) ListAuditEvents(context.Context, string) ([]domain.AuditEvent, error) {
	return nil, nil
}

type fixture struct {
	t        *testing.T
	repo     *store.Memory
	objects  *flakyObjects
	notifier *recordingNotifier
	eng      *Engine
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		t:        t,
		repo:     store.NewMemory(),
		objects:  &flakyObjects{Memory: objectstore.NewMemory()},
		notifier: &recordingNotifier{},
		now:      t0,
	}
	clock := func() time.Time { return f.now }
	f.repo.PutApplication(domain.Application{
		ApplicationID:     "A1",
		ApplicationNumber: "SOL-0001",
		ApplicantUserID:   "usr_app",
		ReviewerUserID:    "usr_rev",
		Status:            domain.ApplicationApproved,
	})
	if err := f.objects.Memory.Put(ctx, "docs/a1.docx", []byte("contrato A1")); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := f.repo.SaveContract(ctx, domain.Contract{ContractID: "ctr_1", ApplicationID: "A1", DocumentPath: "docs/a1.docx", GeneratedAt: t0}); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	f.eng = New(Deps{
		Repo:      f.repo,
		Objects:   f.objects,
		Audit:     &audit.Log{Store: f.repo, Now: clock},
		Contracts: &collab.LocalContracts{Objects: f.objects, Now: clock},
		Renderer:  collab.TrailerRenderer{},
		Notifier:  f.notifier,
	}, cfg)
	f.eng.Now = clock
	return f
}

func (f *fixture) sent() domain.Process {
	f.t.Helper()
	ctx := context.Background()
	created, err := f.eng.Create(ctx, applicant, "A1")
	if err != nil {
		f.t.Fatalf("create: %v", err)
	}
	out, err := f.eng.Send(ctx, applicant, created.Process.ProcessID)
	if err != nil {
		f.t.Fatalf("send: %v", err)
	}
	return out.Process
}

func (f *fixture) sign(c Caller, id string) Outcome {
	f.t.Helper()
	out, err := f.eng.Sign(context.Background(), c, SignRequest{ProcessID: id, Actor: c.Role, Mark: "firma de " + c.UserID})
	if err != nil {
		f.t.Fatalf("sign as %s: %v", c.Role, err)
	}
	return out
}

func (f *fixture) actions(id string) []string {
	f.t.Helper()
	events, err := f.repo.ListAuditEvents(context.Background(), id)
	if err != nil {
		f.t.Fatalf("audit: %v", err)
	}
	out := []string{}
	for _, ev := range events {
		out = append(out, ev.Action)
	}
	return out
}

func assertCode(t *testing.T, err error, want domain.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", want)
	}
	if got := domain.CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

func TestCreateAndSend(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	created, err := f.eng.Create(ctx, applicant, "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Process.State != domain.StatePending || created.Process.ContractID != "ctr_1" {
		t.Fatalf("unexpected created process: %+v", created.Process)
	}
	out, err := f.eng.Send(ctx, applicant, created.Process.ProcessID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	p := out.Process
	if p.State != domain.StateSent {
		t.Fatalf("expected enviado, got %s", p.State)
	}
	if p.ExpiresAt == nil || !p.ExpiresAt.Equal(t0.Add(7*24*time.Hour)) || !p.SentAt.Equal(t0) {
		t.Fatalf("unexpected window sent=%v expires=%v", p.SentAt, p.ExpiresAt)
	}
	if p.SendAttemptCount != 1 || p.OriginalHash == "" || p.OriginalHashMeta == nil {
		t.Fatalf("unexpected send bookkeeping: %+v", p)
	}
	if p.DocumentPath != "firmas/"+p.ProcessID+"/original.docx" {
		t.Fatalf("unexpected snapshot path %s", p.DocumentPath)
	}
	snap, err := f.objects.Get(ctx, p.DocumentPath)
	if err != nil || string(snap) != "contrato A1" {
		t.Fatalf("snapshot not stored: %q %v", snap, err)
	}
	if got := f.actions(p.ProcessID); strings.Join(got, ",") != "crear_proceso,enviar_proceso" {
		t.Fatalf("unexpected audit trail %v", got)
	}
	if _, err := f.eng.Send(ctx, applicant, p.ProcessID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second send must be rejected, got %v", err)
	}
}

func TestOriginalHashUsesContractGenerationTime(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	created, err := f.eng.Create(ctx, applicant, "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.now = t0.Add(3 * time.Hour)
	out, err := f.eng.Send(ctx, applicant, created.Process.ProcessID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	meta := out.Process.OriginalHashMeta
	if meta == nil || meta.GenerationTimestamp != t0.Format(time.RFC3339Nano) {
		t.Fatalf("expected generation time of the contract, got %+v", meta)
	}
	if !out.Process.SentAt.Equal(f.now) {
		t.Fatalf("sent_at must still be the send time, got %v", out.Process.SentAt)
	}
}

func TestApplicantThenReviewerCompletes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	first := f.sign(applicant, p.ProcessID).Process
	if first.State != domain.StateSignedApplicant || first.IntegrityValid {
		t.Fatalf("expected partial applicant state, got %s integrity=%v", first.State, first.IntegrityValid)
	}
	if first.SignedAtApplicant == nil || first.SignedAtReviewer != nil || first.SignerIP != "10.0.0.1" {
		t.Fatalf("unexpected signer fields: %+v", first)
	}
	g := gate.New(f.repo)
	if d, _ := g.EligibleForTransfer(ctx, "A1"); d.Eligible {
		t.Fatalf("gate must stay closed after one signature")
	}

	f.now = f.now.Add(time.Hour)
	done := f.sign(reviewer, p.ProcessID)
	if done.Process.State != domain.StateCompleted || !done.Process.IntegrityValid {
		t.Fatalf("expected completion, got %s integrity=%v", done.Process.State, done.Process.IntegrityValid)
	}
	if len(done.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", done.Warnings)
	}
	d, err := g.EligibleForTransfer(ctx, "A1")
	if err != nil || !d.Eligible || d.ProcessID != p.ProcessID {
		t.Fatalf("expected gate open, got %+v %v", d, err)
	}

	signed, _ := f.objects.Get(ctx, done.Process.SignedDocumentPath)
	if !bytes.Contains(signed, []byte("usr_app")) || !bytes.Contains(signed, []byte("usr_rev")) {
		t.Fatalf("signed artifact must carry both signatures: %q", signed)
	}
	ct, _ := f.repo.GetContract(ctx, "ctr_1")
	if ct.SignedAt == nil {
		t.Fatalf("contract must be marked signed")
	}
	kinds := strings.Join(f.notifier.kinds(), ",")
	if !strings.HasSuffix(kinds, collab.KindCompleted) {
		t.Fatalf("expected completion notification, got %s", kinds)
	}
	trail := f.actions(p.ProcessID)
	if trail[len(trail)-1] != domain.ActionComplete {
		t.Fatalf("expected completion audit, got %v", trail)
	}
}

func TestReviewerThenApplicantCompletes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p := f.sent()

	first := f.sign(reviewer, p.ProcessID).Process
	if first.State != domain.StateSignedReviewer || first.IntegrityValid {
		t.Fatalf("expected partial reviewer state, got %s", first.State)
	}
	done := f.sign(applicant, p.ProcessID).Process
	if done.State != domain.StateCompleted || !done.IntegrityValid {
		t.Fatalf("expected completion, got %s", done.State)
	}
	if done.SignedAtApplicant == nil || done.SignedAtReviewer == nil {
		t.Fatalf("both timestamps must be kept")
	}
}

func TestSigningCompletedOrTwiceIsInvalid(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	f.sign(applicant, p.ProcessID)

	_, err := f.eng.Sign(ctx, applicant, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorApplicant, Mark: "again"})
	assertCode(t, err, domain.CodeInvalidTransition)

	f.sign(reviewer, p.ProcessID)
	for _, c := range []Caller{applicant, reviewer} {
		_, err := f.eng.Sign(ctx, c, SignRequest{ProcessID: p.ProcessID, Actor: c.Role, Mark: "again"})
		assertCode(t, err, domain.CodeInvalidTransition)
	}
}

func TestSignAuthorization(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	stranger := Caller{UserID: "usr_other", Role: domain.ActorApplicant}
	_, err := f.eng.Sign(ctx, stranger, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorApplicant, Mark: "x"})
	assertCode(t, err, domain.CodeUnauthorized)

	_, err = f.eng.Sign(ctx, applicant, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorReviewer, Mark: "x"})
	assertCode(t, err, domain.CodeUnauthorized)

	otherReviewer := Caller{UserID: "usr_rev2", Role: domain.ActorReviewer}
	_, err = f.eng.Sign(ctx, otherReviewer, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorReviewer, Mark: "x"})
	assertCode(t, err, domain.CodeUnauthorized)

	_, err = f.eng.Sign(ctx, applicant, SignRequest{ProcessID: "sig_missing", Actor: domain.ActorApplicant, Mark: "x"})
	assertCode(t, err, domain.CodeProcessNotFound)

	_, err = f.eng.Sign(ctx, applicant, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorApplicant})
	assertCode(t, err, domain.CodeBadRequest)
}

func TestAnyOperatorPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowAnyOperator = true
	f := newFixture(t, cfg)
	p := f.sent()
	otherReviewer := Caller{UserID: "usr_rev2", Role: domain.ActorReviewer}
	out := f.sign(otherReviewer, p.ProcessID)
	if out.Process.State != domain.StateSignedReviewer {
		t.Fatalf("relaxed policy should allow any reviewer, got %s", out.Process.State)
	}
}

func TestLazyExpiryAndReinstate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	f.now = t0.Add(8 * 24 * time.Hour)
	got, err := f.eng.Get(ctx, applicant, p.ProcessID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Process.State != domain.StateExpired {
		t.Fatalf("expected lazy expiry, got %s", got.Process.State)
	}
	if d, _ := gate.New(f.repo).EligibleForTransfer(ctx, "A1"); d.Eligible {
		t.Fatalf("expired process must not open the gate")
	}
	_, err = f.eng.Sign(ctx, applicant, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorApplicant, Mark: "late"})
	assertCode(t, err, domain.CodeInvalidTransition)

	out, err := f.eng.Reinstate(ctx, reviewer, p.ProcessID)
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if out.Process.State != domain.StateSent || out.Process.SendAttemptCount != 2 || out.Process.ProcessID != p.ProcessID {
		t.Fatalf("unexpected reinstated process: %+v", out.Process)
	}
	if !out.Process.ExpiresAt.Equal(f.now.Add(7 * 24 * time.Hour)) {
		t.Fatalf("expected fresh window, got %v", out.Process.ExpiresAt)
	}
	if out.Process.OriginalHash != p.OriginalHash {
		t.Fatalf("original hash must not change on reinstate")
	}
	trail := strings.Join(f.actions(p.ProcessID), ",")
	if !strings.Contains(trail, "expirar,renovar") {
		t.Fatalf("unexpected trail %s", trail)
	}
}

func TestReinstateClearsPartialSignature(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	f.sign(applicant, p.ProcessID)

	f.now = t0.Add(8 * 24 * time.Hour)
	out, err := f.eng.Reinstate(ctx, applicant, p.ProcessID)
	if err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if out.Process.SignedAtApplicant != nil || out.Process.SignedHash != "" || out.Process.SignedDocumentPath != "" {
		t.Fatalf("new cycle must start unsigned: %+v", out.Process)
	}
}

func TestReinstateRetryLimit(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	expiredAt := f.now.Add(-time.Minute)
	p := domain.Process{
		ProcessID:        "sig_retry",
		ContractID:       "ctr_1",
		ApplicationID:    "A1",
		ApplicantUserID:  "usr_app",
		ReviewerUserID:   "usr_rev",
		State:            domain.StateExpired,
		DocumentPath:     "docs/a1.docx",
		ExpiresAt:        &expiredAt,
		SendAttemptCount: 3,
		CreatedAt:        f.now.Add(-10 * time.Minute),
		UpdatedAt:        f.now,
	}
	if _, err := f.repo.SupersedeAndInsert(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := f.eng.Reinstate(ctx, reviewer, p.ProcessID)
	assertCode(t, err, domain.CodeRetryLimitReached)

	f.now = f.now.Add(25 * time.Minute)
	out, err := f.eng.Reinstate(ctx, reviewer, p.ProcessID)
	if err != nil {
		t.Fatalf("reinstate after grace: %v", err)
	}
	if out.Process.SendAttemptCount != 4 {
		t.Fatalf("expected 4 attempts, got %d", out.Process.SendAttemptCount)
	}

	sent := f.sent()
	_, err = f.eng.Reinstate(ctx, reviewer, sent.ProcessID)
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestCreateSupersedesActive(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	first := f.sent()
	second, err := f.eng.Create(ctx, applicant, "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	old, _ := f.repo.GetProcess(ctx, first.ProcessID)
	if old.State != domain.StateReplaced {
		t.Fatalf("expected first process reemplazado, got %s", old.State)
	}
	latest, _ := f.repo.LatestProcessForApplication(ctx, "A1")
	if latest.ProcessID != second.Process.ProcessID || !latest.State.IsActive() {
		t.Fatalf("second process must be the sole active one: %+v", latest)
	}
	if trail := f.actions(first.ProcessID); trail[len(trail)-1] != domain.ActionReplace {
		t.Fatalf("old trail must end in reemplazar, got %v", trail)
	}
}

func TestCreateRequiresDocument(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.repo.PutApplication(domain.Application{ApplicationID: "A2", ApplicantUserID: "usr_app", ReviewerUserID: "usr_rev", Status: domain.ApplicationApproved})
	_, err := f.eng.Create(context.Background(), applicant, "A2")
	assertCode(t, err, domain.CodeDocumentNotReady)

	_, err = f.eng.Create(context.Background(), applicant, "A404")
	assertCode(t, err, domain.CodeProcessNotFound)
}

func TestSendUploadFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	created, err := f.eng.Create(ctx, applicant, "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.objects.failPut = true
	_, err = f.eng.Send(ctx, applicant, created.Process.ProcessID)
	assertCode(t, err, domain.CodeUploadFailed)

	p, _ := f.repo.GetProcess(ctx, created.Process.ProcessID)
	if p.State != domain.StatePending || p.SendAttemptCount != 1 || p.LastError == "" {
		t.Fatalf("failed send must be recorded without advancing: %+v", p)
	}
	f.objects.failPut = false
	out, err := f.eng.Send(ctx, applicant, p.ProcessID)
	if err != nil {
		t.Fatalf("retry send: %v", err)
	}
	if out.Process.LastError != "" || out.Process.SendAttemptCount != 2 {
		t.Fatalf("unexpected retry bookkeeping: %+v", out.Process)
	}
}

func TestSignUploadFailureDoesNotAdvance(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	f.objects.failPut = true
	_, err := f.eng.Sign(ctx, applicant, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorApplicant, Mark: "x"})
	assertCode(t, err, domain.CodeUploadFailed)
	got, _ := f.repo.GetProcess(ctx, p.ProcessID)
	if got.State != domain.StateSent || got.SignedAtApplicant != nil {
		t.Fatalf("process must not advance on upload failure: %+v", got)
	}
}

type conflictingRepo struct {
	*store.Memory
	failUpdates int
}

func (r *conflictingRepo) UpdateProcess(ctx context.Context, p domain.Process, expected domain.State) error {
	if r.failUpdates > 0 {
		r.failUpdates--
		return store.ErrStateConflict
	}
	return r.Memory.UpdateProcess(ctx, p, expected)
}

func TestFailedSignatureWriteKeepsCommittedArtifact(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	f.sign(applicant, p.ProcessID)

	repo := &conflictingRepo{Memory: f.repo, failUpdates: 1}
	f.eng.Repo = repo
	f.now = f.now.Add(time.Minute)
	_, err := f.eng.Sign(ctx, reviewer, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorReviewer, Mark: "x"})
	assertCode(t, err, domain.CodeInvalidTransition)

	rep, err := f.eng.VerifyIntegrity(ctx, applicant, p.ProcessID)
	if err != nil || rep.SignedValid == nil || !*rep.SignedValid {
		t.Fatalf("committed artifact must still match signed_hash, got %+v %v", rep, err)
	}

	f.now = f.now.Add(time.Minute)
	done := f.sign(reviewer, p.ProcessID).Process
	if done.State != domain.StateCompleted || !done.IntegrityValid {
		t.Fatalf("expected completion on retry, got %s", done.State)
	}
	signed, err := f.objects.Get(ctx, done.SignedDocumentPath)
	if err != nil {
		t.Fatalf("download signed artifact: %v", err)
	}
	if n := strings.Count(string(signed), string(domain.ActorReviewer)+" usr_rev "); n != 1 {
		t.Fatalf("expected one reviewer signature, got %d in %q", n, signed)
	}
	if n := strings.Count(string(signed), string(domain.ActorApplicant)+" usr_app "); n != 1 {
		t.Fatalf("expected one applicant signature, got %d in %q", n, signed)
	}
}

func TestTamperedSnapshotIsRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	if err := f.objects.Memory.Put(ctx, p.DocumentPath, []byte("contrato alterado")); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, err := f.eng.Sign(ctx, applicant, SignRequest{ProcessID: p.ProcessID, Actor: domain.ActorApplicant, Mark: "x"})
	assertCode(t, err, domain.CodeIntegrityMismatch)
	got, _ := f.repo.GetProcess(ctx, p.ProcessID)
	if got.State != domain.StateSent {
		t.Fatalf("process must not advance, got %s", got.State)
	}
	trail := f.actions(p.ProcessID)
	if trail[len(trail)-1] != domain.ActionIntegrityFailure {
		t.Fatalf("expected integrity failure audit, got %v", trail)
	}
}

func TestAuditFailureIsAWarning(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p := f.sent()
	f.eng.Audit = audit.New(failingAudit{})
	out := f.sign(applicant, p.ProcessID)
	if out.Process.State != domain.StateSignedApplicant {
		t.Fatalf("audit failure must not block, got %s", out.Process.State)
	}
	if len(out.Warnings) == 0 || !strings.Contains(out.Warnings[0], "audit") {
		t.Fatalf("expected audit warning, got %v", out.Warnings)
	}
}

func TestNotificationFailureIsAWarning(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	p := f.sent()
	f.sign(applicant, p.ProcessID)
	f.notifier.err = errors.New("smtp down")
	out := f.sign(reviewer, p.ProcessID)
	if out.Process.State != domain.StateCompleted || len(out.Warnings) != 1 {
		t.Fatalf("expected completion with one warning, got %s %v", out.Process.State, out.Warnings)
	}
}

func TestDecline(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	out, err := f.eng.Decline(ctx, applicant, p.ProcessID, "  tasa incorrecta ")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if out.Process.State != domain.StateDeclined || out.Process.DeclineReason != "tasa incorrecta" {
		t.Fatalf("unexpected declined process: %+v", out.Process)
	}
	if kinds := f.notifier.kinds(); kinds[len(kinds)-1] != collab.KindDeclined {
		t.Fatalf("expected rejection notification, got %v", kinds)
	}
	_, err = f.eng.Decline(ctx, reviewer, p.ProcessID, "")
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestExpireExplicitAndSweep(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	_, err := f.eng.Expire(ctx, reviewer, p.ProcessID)
	assertCode(t, err, domain.CodeInvalidTransition)

	f.now = t0.Add(7*24*time.Hour + time.Second)
	res, err := f.eng.ExpireDue(ctx, reviewer, 0)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Expired) != 1 || res.Expired[0] != p.ProcessID {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	_, err = f.eng.Expire(ctx, reviewer, p.ProcessID)
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestCompletedProcessNeverExpires(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()
	f.sign(applicant, p.ProcessID)
	f.sign(reviewer, p.ProcessID)
	f.now = t0.Add(30 * 24 * time.Hour)
	got, err := f.eng.Get(ctx, reviewer, p.ProcessID)
	if err != nil || got.Process.State != domain.StateCompleted {
		t.Fatalf("completed process must stay completed: %s %v", got.Process.State, err)
	}
}

func TestRepairRebindsContract(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	res, err := f.eng.Repair(ctx, reviewer, p.ProcessID)
	if err != nil || res.Repaired {
		t.Fatalf("healthy relation must be left alone: %+v %v", res, err)
	}

	drifted, _ := f.repo.GetProcess(ctx, p.ProcessID)
	drifted.ContractID = "ctr_lost"
	if err := f.repo.UpdateProcess(ctx, drifted, drifted.State); err != nil {
		t.Fatalf("drift: %v", err)
	}
	res, err = f.eng.Repair(ctx, reviewer, p.ProcessID)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !res.Repaired || res.Process.ContractID != "ctr_1" || res.PreviousContractID != "ctr_lost" {
		t.Fatalf("unexpected repair result: %+v", res)
	}
	trail := f.actions(p.ProcessID)
	if trail[len(trail)-1] != domain.ActionRepairRelation {
		t.Fatalf("expected repair audit, got %v", trail)
	}
}

func TestStartFlows(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	f.repo.PutApplication(domain.Application{ApplicationID: "A2", ApplicationNumber: "SOL-0002", ApplicantUserID: "usr_app", ReviewerUserID: "usr_rev", Status: domain.ApplicationApproved})

	res, err := f.eng.Start(ctx, reviewer, "A2", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Action != StartCreated || res.Process.State != domain.StateSent {
		t.Fatalf("expected created and sent, got %s %s", res.Action, res.Process.State)
	}
	if _, err := f.repo.LatestContractForApplication(ctx, "A2"); err != nil {
		t.Fatalf("contract must have been generated: %v", err)
	}

	again, err := f.eng.Start(ctx, reviewer, "A2", false)
	if err != nil || again.Action != StartExisting || again.Process.ProcessID != res.Process.ProcessID {
		t.Fatalf("expected existing process, got %+v %v", again, err)
	}

	f.now = t0.Add(8 * 24 * time.Hour)
	renewed, err := f.eng.Start(ctx, reviewer, "A2", false)
	if err != nil || renewed.Action != StartReinstated || renewed.Process.SendAttemptCount != 2 {
		t.Fatalf("expected reinstatement, got %+v %v", renewed, err)
	}

	forced, err := f.eng.Start(ctx, reviewer, "A2", true)
	if err != nil || forced.Action != StartCreated || forced.Process.ProcessID == res.Process.ProcessID {
		t.Fatalf("expected new process, got %+v %v", forced, err)
	}
	old, _ := f.repo.GetProcess(ctx, res.Process.ProcessID)
	if old.State != domain.StateReplaced {
		t.Fatalf("forced restart must supersede, got %s", old.State)
	}

	f.sign(applicant, forced.Process.ProcessID)
	f.sign(reviewer, forced.Process.ProcessID)
	_, err = f.eng.Start(ctx, reviewer, "A2", true)
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestStartRequiresApprovedApplication(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.repo.PutApplication(domain.Application{ApplicationID: "A3", ApplicantUserID: "usr_app", ReviewerUserID: "usr_rev", Status: "en_revision"})
	_, err := f.eng.Start(context.Background(), reviewer, "A3", false)
	assertCode(t, err, domain.CodeInvalidTransition)
}

func TestInfoDownloadAndVerify(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	info, err := f.eng.Info(ctx, applicant, p.ProcessID)
	if err != nil || string(info.Document) != "contrato A1" || info.Side != domain.ActorApplicant {
		t.Fatalf("unexpected info: %+v %v", info, err)
	}
	_, err = f.eng.Download(ctx, applicant, p.ProcessID)
	assertCode(t, err, domain.CodeDocumentNotReady)

	f.sign(applicant, p.ProcessID)
	f.sign(reviewer, p.ProcessID)
	d, err := f.eng.Download(ctx, reviewer, p.ProcessID)
	if err != nil || d.Filename != "contrato_firmado_SOL-0001.docx" || len(d.Data) == 0 {
		t.Fatalf("unexpected download %+v %v", d.Filename, err)
	}

	rep, err := f.eng.VerifyIntegrity(ctx, reviewer, p.ProcessID)
	if err != nil || !rep.OriginalValid || rep.SignedValid == nil || !*rep.SignedValid || !rep.IntegrityValid {
		t.Fatalf("expected clean report, got %+v %v", rep, err)
	}
	done, _ := f.repo.GetProcess(ctx, p.ProcessID)
	_ = f.objects.Memory.Put(ctx, done.SignedDocumentPath, []byte("forged"))
	rep, err = f.eng.VerifyIntegrity(ctx, reviewer, p.ProcessID)
	if err != nil || rep.SignedValid == nil || *rep.SignedValid || rep.IntegrityValid {
		t.Fatalf("expected forged artifact to fail, got %+v %v", rep, err)
	}
}

func TestPendingAndStats(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	p := f.sent()

	forApplicant, err := f.eng.Pending(ctx, applicant)
	if err != nil || len(forApplicant.Processes) != 1 {
		t.Fatalf("expected one pending for applicant: %+v %v", forApplicant, err)
	}
	f.sign(applicant, p.ProcessID)
	forApplicant, _ = f.eng.Pending(ctx, applicant)
	if len(forApplicant.Processes) != 0 {
		t.Fatalf("signed process is no longer pending for applicant")
	}
	forReviewer, _ := f.eng.Pending(ctx, reviewer)
	if len(forReviewer.Processes) != 1 {
		t.Fatalf("expected one pending for reviewer")
	}

	_, err = f.eng.Stats(ctx, applicant)
	assertCode(t, err, domain.CodeUnauthorized)
	st, err := f.eng.Stats(ctx, reviewer)
	if err != nil || st.ByState[domain.StateSignedApplicant] != 1 || st.Total != 1 {
		t.Fatalf("unexpected stats %+v %v", st, err)
	}

	f.now = t0.Add(8 * 24 * time.Hour)
	forReviewer, _ = f.eng.Pending(ctx, reviewer)
	if len(forReviewer.Processes) != 0 {
		t.Fatalf("expired processes must drop out of pending lists")
	}
}

// Drives both signing orders through several rounds and checks the
// process invariants after every step.
func TestInvariantsAcrossSequences(t *testing.T) {
	orders := [][]Caller{{applicant, reviewer}, {reviewer, applicant}}
	for _, order := range orders {
		f := newFixture(t, DefaultConfig())
		ctx := context.Background()
		ids := []string{}
		for round := 0; round < 3; round++ {
			p := f.sent()
			ids = append(ids, p.ProcessID)
			for _, c := range order {
				out := f.sign(c, p.ProcessID)
				if out.Process.IntegrityValid && !out.Process.BothSigned() {
					t.Fatalf("integrity without both timestamps: %+v", out.Process)
				}
				active := 0
				for _, id := range ids {
					q, err := f.repo.GetProcess(ctx, id)
					if err != nil {
						t.Fatalf("get %s: %v", id, err)
					}
					if q.IntegrityValid && !q.BothSigned() {
						t.Fatalf("stored integrity without both timestamps: %+v", q)
					}
					if q.State.IsActive() {
						active++
					}
				}
				if active > 1 {
					t.Fatalf("more than one active process for A1")
				}
			}
		}
	}
}
