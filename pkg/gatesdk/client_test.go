package gatesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientEligibilityAndIntegrity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("content-type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/firmas/solicitudes/sol_1/elegibilidad":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_id": "req_1", "application_id": "sol_1", "eligible": true, "process_id": "fir_1",
				"checked_at": "2026-05-04T10:00:00Z",
			})
		case r.Method == http.MethodGet && r.URL.Path == "/firmas/fir_1/verificar":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_id": "req_2", "process_id": "fir_1", "state": "firmado_completo",
				"original_valid": true, "signed_valid": true, "integrity_valid": true,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"request_id": "req_3",
				"error":      map[string]any{"code": "PROCESS_NOT_FOUND", "message": "signature process not found"},
			})
		}
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	ctx := context.Background()

	el, err := c.Eligibility(ctx, "sol_1")
	if err != nil {
		t.Fatalf("Eligibility() error: %v", err)
	}
	if !el.Eligible || el.ProcessID != "fir_1" {
		t.Fatalf("Eligibility() = %+v", el)
	}

	in, err := c.Integrity(ctx, "fir_1")
	if err != nil {
		t.Fatalf("Integrity() error: %v", err)
	}
	if !in.IntegrityValid || in.SignedValid == nil || !*in.SignedValid {
		t.Fatalf("Integrity() = %+v", in)
	}

	_, err = c.Integrity(ctx, "fir_missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 || apiErr.Code != "PROCESS_NOT_FOUND" {
		t.Fatalf("expected APIError 404, got %v", err)
	}
}
