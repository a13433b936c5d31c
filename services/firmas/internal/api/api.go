// Package api is the HTTP surface of the signature service. Handlers only
// translate between HTTP and engine operations.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/accordsai/creditlane/pkg/authn"
	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/pkg/httpx"
	"github.com/accordsai/creditlane/pkg/idempotency"
	"github.com/accordsai/creditlane/services/firmas/internal/engine"
	"github.com/accordsai/creditlane/services/firmas/internal/gate"
	"github.com/accordsai/creditlane/services/firmas/internal/store"
)

type Lifecycle interface {
	Start(ctx context.Context, c engine.Caller, applicationID string, force bool) (engine.StartResult, error)
	Info(ctx context.Context, c engine.Caller, processID string) (engine.Info, error)
	Sign(ctx context.Context, c engine.Caller, req engine.SignRequest) (engine.Outcome, error)
	Download(ctx context.Context, c engine.Caller, processID string) (engine.Download, error)
	Pending(ctx context.Context, c engine.Caller) (engine.PendingResult, error)
	AuditTrail(ctx context.Context, c engine.Caller, processID string) ([]domain.AuditEvent, error)
	Stats(ctx context.Context, c engine.Caller) (store.Stats, error)
	Reinstate(ctx context.Context, c engine.Caller, processID string) (engine.Outcome, error)
	Repair(ctx context.Context, c engine.Caller, processID string) (engine.RepairResult, error)
	Decline(ctx context.Context, c engine.Caller, processID, reason string) (engine.Outcome, error)
	Expire(ctx context.Context, c engine.Caller, processID string) (engine.Outcome, error)
	ExpireDue(ctx context.Context, c engine.Caller, limit int) (engine.SweepResult, error)
	VerifyIntegrity(ctx context.Context, c engine.Caller, processID string) (engine.IntegrityReport, error)
}

type Gate interface {
	EligibleForTransfer(ctx context.Context, applicationID string) (gate.Decision, error)
}

type Handler struct {
	Engine Lifecycle
	Gate   Gate
	Auth   *authn.Verifier
	Idem   idempotency.Store
}

// LocationHeader optionally carries the signer's reported location.
const LocationHeader = "X-Signer-Location"

// Routes mounts every endpoint under /firmas on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/firmas", func(api chi.Router) {
		api.Use(h.authenticate)
		api.Post("/iniciar-proceso/{solicitud_id}", h.startProcess)
		api.Get("/pendientes", h.pending)
		api.Get("/estadisticas", h.stats)
		api.Post("/expirar-vencidos", h.expireDue)
		api.Get("/solicitudes/{solicitud_id}/elegibilidad", h.eligibility)
		api.Get("/{firma_id}/info", h.info)
		api.Post("/{firma_id}/firmar", h.sign)
		api.Get("/{firma_id}/descargar", h.download)
		api.Get("/{firma_id}/auditoria", h.auditTrail)
		api.Post("/{firma_id}/renovar", h.reinstate)
		api.Post("/{firma_id}/reparar-relacion", h.repair)
		api.Post("/{firma_id}/rechazar", h.decline)
		api.Post("/{firma_id}/expirar", h.expire)
		api.Get("/{firma_id}/verificar", h.verify)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.Auth.AuthenticateBearer(r.Header.Get("Authorization"))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "valid bearer token required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(authn.WithIdentity(r.Context(), id)))
	})
}

func caller(r *http.Request) engine.Caller {
	c := engine.Caller{Meta: domain.RequestMeta{
		IP:        httpx.ClientIP(r),
		UserAgent: r.UserAgent(),
		Location:  strings.TrimSpace(r.Header.Get(LocationHeader)),
	}}
	if id, ok := authn.IdentityFromContext(r.Context()); ok {
		c.UserID = id.UserID
		c.Role = id.Role
	}
	return c
}

func writeErr(w http.ResponseWriter, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		var details any
		if de.Err != nil {
			details = map[string]any{"cause": de.Err.Error()}
		}
		httpx.WriteError(w, de.Code.HTTPStatus(), string(de.Code), de.Message, details)
		return
	}
	httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

func withWarnings(resp map[string]any, warnings []string) map[string]any {
	if len(warnings) > 0 {
		resp["warnings"] = warnings
	}
	return resp
}

// maxBodyBytes bounds request bodies read for idempotency fingerprints.
const maxBodyBytes = 8 << 20

// replay writes the stored response for the request's Idempotency-Key. The
// body is buffered so the fingerprint covers it and handlers can still
// decode it.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, endpoint string) (idempotency.Request, bool) {
	req := idempotency.Request{
		UserID:   caller(r).UserID,
		Key:      strings.TrimSpace(r.Header.Get("Idempotency-Key")),
		Endpoint: endpoint,
	}
	if req.Key == "" || h.Idem == nil {
		return req, false
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, string(domain.CodeBadRequest), "unreadable body", nil)
			return req, true
		}
		body = b
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	req.Fingerprint = idempotency.Fingerprint(r.Method, r.URL.Path, body)
	rec, found, err := idempotency.Replay(r.Context(), h.Idem, req)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "IDEMPOTENCY_KEY_REUSED", err.Error(), map[string]any{"key": req.Key})
		return req, true
	case err != nil:
		httpx.WriteError(w, http.StatusInternalServerError, "IDEMPOTENCY_ERROR", err.Error(), nil)
		return req, true
	case found:
		httpx.WriteJSON(w, rec.Status, rec.Body)
		return req, true
	}
	return req, false
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, key idempotency.Request, status int, resp map[string]any) {
	if err := idempotency.Save(r.Context(), h.Idem, key, status, resp); err != nil {
		resp = withWarnings(resp, append(warningsOf(resp), "idempotency record not saved: "+err.Error()))
	}
	httpx.WriteJSON(w, status, resp)
}

func warningsOf(resp map[string]any) []string {
	w, _ := resp["warnings"].([]string)
	return w
}

type startRequest struct {
	Force bool `json:"forzar_reinicio"`
}

func (h *Handler) startProcess(w http.ResponseWriter, r *http.Request) {
	applicationID := chi.URLParam(r, "solicitud_id")
	endpoint := "POST /firmas/iniciar-proceso/" + applicationID
	key, done := h.replay(w, r, endpoint)
	if done {
		return
	}
	var req startRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(domain.CodeBadRequest), "invalid json", nil)
		return
	}
	res, err := h.Engine.Start(r.Context(), caller(r), applicationID, req.Force)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if res.Action == engine.StartExisting {
		status = http.StatusOK
	}
	h.respond(w, r, key, status, withWarnings(map[string]any{
		"request_id": httpx.NewRequestID(),
		"action":     res.Action,
		"process":    res.Process,
	}, res.Warnings))
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	info, err := h.Engine.Info(r.Context(), caller(r), chi.URLParam(r, "firma_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	p := info.Process
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id":          httpx.NewRequestID(),
		"process_id":          p.ProcessID,
		"application_id":      p.ApplicationID,
		"application_number":  p.ApplicationNumber,
		"state":               p.State,
		"signing_as":          info.Side,
		"document_base64":     base64.StdEncoding.EncodeToString(info.Document),
		"original_hash":       p.OriginalHash,
		"signed_hash":         p.SignedHash,
		"expires_at":          p.ExpiresAt,
		"signed_at_applicant": p.SignedAtApplicant,
		"signed_at_reviewer":  p.SignedAtReviewer,
	}, info.Warnings))
}

type signRequest struct {
	Mark  string `json:"firma_data"`
	Actor string `json:"tipo_firma"`
}

func (h *Handler) sign(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "firma_id")
	endpoint := "POST /firmas/" + processID + "/firmar"
	key, done := h.replay(w, r, endpoint)
	if done {
		return
	}
	var req signRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(domain.CodeBadRequest), "invalid json", nil)
		return
	}
	side, err := domain.ParseActor(strings.TrimSpace(req.Actor))
	if err != nil {
		writeErr(w, err)
		return
	}
	out, err := h.Engine.Sign(r.Context(), caller(r), engine.SignRequest{ProcessID: processID, Actor: side, Mark: req.Mark})
	if err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w, r, key, http.StatusOK, withWarnings(map[string]any{
		"request_id":      httpx.NewRequestID(),
		"process_id":      out.Process.ProcessID,
		"state":           out.Process.State,
		"integrity_valid": out.Process.IntegrityValid,
		"signed_hash":     out.Process.SignedHash,
		"completed":       out.Process.State == domain.StateCompleted,
	}, out.Warnings))
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	d, err := h.Engine.Download(r.Context(), caller(r), chi.URLParam(r, "firma_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ct := mime.TypeByExtension(path.Ext(d.Filename))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("content-type", ct)
	w.Header().Set("content-disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	w.Header().Set("content-length", strconv.Itoa(len(d.Data)))
	w.Header().Set("x-signed-hash", d.Process.SignedHash)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(d.Data)
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Pending(r.Context(), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id": httpx.NewRequestID(),
		"processes":  res.Processes,
	}, res.Warnings))
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "firma_id")
	events, err := h.Engine.AuditTrail(r.Context(), caller(r), processID)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"process_id": processID,
		"events":     events,
	})
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Stats(r.Context(), caller(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id": httpx.NewRequestID(),
		"stats":      st,
	})
}

func (h *Handler) reinstate(w http.ResponseWriter, r *http.Request) {
	processID := chi.URLParam(r, "firma_id")
	endpoint := "POST /firmas/" + processID + "/renovar"
	key, done := h.replay(w, r, endpoint)
	if done {
		return
	}
	out, err := h.Engine.Reinstate(r.Context(), caller(r), processID)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.respond(w, r, key, http.StatusOK, withWarnings(map[string]any{
		"request_id": httpx.NewRequestID(),
		"process":    out.Process,
	}, out.Warnings))
}

func (h *Handler) repair(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Repair(r.Context(), caller(r), chi.URLParam(r, "firma_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id":           httpx.NewRequestID(),
		"repaired":             res.Repaired,
		"previous_contract_id": res.PreviousContractID,
		"process":              res.Process,
	}, res.Warnings))
}

type declineRequest struct {
	Reason string `json:"motivo"`
}

func (h *Handler) decline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, string(domain.CodeBadRequest), "invalid json", nil)
		return
	}
	out, err := h.Engine.Decline(r.Context(), caller(r), chi.URLParam(r, "firma_id"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id": httpx.NewRequestID(),
		"process":    out.Process,
	}, out.Warnings))
}

func requireReviewer(w http.ResponseWriter, r *http.Request) bool {
	if caller(r).Role != domain.ActorReviewer {
		writeErr(w, domain.Errorf(domain.CodeUnauthorized, "operation reserved to operators"))
		return false
	}
	return true
}

func (h *Handler) expire(w http.ResponseWriter, r *http.Request) {
	if !requireReviewer(w, r) {
		return
	}
	out, err := h.Engine.Expire(r.Context(), caller(r), chi.URLParam(r, "firma_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id": httpx.NewRequestID(),
		"process":    out.Process,
	}, out.Warnings))
}

func (h *Handler) expireDue(w http.ResponseWriter, r *http.Request) {
	if !requireReviewer(w, r) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpx.WriteError(w, http.StatusBadRequest, string(domain.CodeBadRequest), "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	res, err := h.Engine.ExpireDue(r.Context(), caller(r), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id": httpx.NewRequestID(),
		"expired":    res.Expired,
	}, res.Warnings))
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.VerifyIntegrity(r.Context(), caller(r), chi.URLParam(r, "firma_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, withWarnings(map[string]any{
		"request_id":      httpx.NewRequestID(),
		"process_id":      rep.ProcessID,
		"state":           rep.State,
		"original_valid":  rep.OriginalValid,
		"signed_valid":    rep.SignedValid,
		"integrity_valid": rep.IntegrityValid,
	}, rep.Warnings))
}

func (h *Handler) eligibility(w http.ResponseWriter, r *http.Request) {
	if !requireReviewer(w, r) {
		return
	}
	d, err := h.Gate.EligibleForTransfer(r.Context(), chi.URLParam(r, "solicitud_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"request_id":     httpx.NewRequestID(),
		"application_id": d.ApplicationID,
		"eligible":       d.Eligible,
		"process_id":     d.ProcessID,
		"reason":         d.Reason,
		"checked_at":     d.CheckedAt,
	})
}
