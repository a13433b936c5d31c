package collab

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
	"github.com/accordsai/creditlane/pkg/webhooks"
)

func newHTTPClient() *http.Client { return &http.Client{Timeout: 30 * time.Second} }

func postJSON(ctx context.Context, hc *http.Client, u string, in any, out any, sign func(*http.Request, []byte)) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	if sign != nil {
		sign(req, b)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %d", u, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ContractsClient calls the contract generation service.
type ContractsClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewContractsClient(baseURL string) *ContractsClient {
	return &ContractsClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: newHTTPClient()}
}

func (c *ContractsClient) Generate(ctx context.Context, app domain.Application) (domain.Contract, error) {
	var out struct {
		ContractID   string    `json:"contrato_id"`
		DocumentPath string    `json:"document_path"`
		GeneratedAt  time.Time `json:"generated_at"`
	}
	u := fmt.Sprintf("%s/contratos/generar/%s", c.BaseURL, url.PathEscape(app.ApplicationID))
	req := map[string]any{
		"solicitud_id":     app.ApplicationID,
		"numero_solicitud": app.ApplicationNumber,
	}
	if err := postJSON(ctx, c.HTTP, u, req, &out, nil); err != nil {
		return domain.Contract{}, err
	}
	if out.ContractID == "" || out.DocumentPath == "" {
		return domain.Contract{}, fmt.Errorf("contract service returned no document for %s", app.ApplicationID)
	}
	return domain.Contract{
		ContractID:    out.ContractID,
		ApplicationID: app.ApplicationID,
		DocumentPath:  out.DocumentPath,
		GeneratedAt:   out.GeneratedAt.UTC(),
	}, nil
}

// RendererClient calls the document rendering service.
type RendererClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewRendererClient(baseURL string) *RendererClient {
	return &RendererClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: newHTTPClient()}
}

func (c *RendererClient) MergeSignature(ctx context.Context, doc []byte, signers []domain.Signer) ([]byte, error) {
	in := map[string]any{
		"document_base64": base64.StdEncoding.EncodeToString(doc),
		"signers":         signers,
	}
	var out struct {
		DocumentBase64 string `json:"document_base64"`
	}
	if err := postJSON(ctx, c.HTTP, c.BaseURL+"/render/firmas", in, &out, nil); err != nil {
		return nil, err
	}
	merged, err := base64.StdEncoding.DecodeString(out.DocumentBase64)
	if err != nil {
		return nil, fmt.Errorf("decode rendered document: %w", err)
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("renderer returned an empty document")
	}
	return merged, nil
}

// NotifierClient posts signed notifications to the notification service.
type NotifierClient struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
}

func NewNotifierClient(baseURL, secret string) *NotifierClient {
	return &NotifierClient{BaseURL: strings.TrimRight(baseURL, "/"), Secret: secret, HTTP: newHTTPClient()}
}

func (c *NotifierClient) Notify(ctx context.Context, n Notification) error {
	return postJSON(ctx, c.HTTP, c.BaseURL+"/notificaciones", n, nil, func(req *http.Request, body []byte) {
		webhooks.SignRequest(req, c.Secret, body)
	})
}
