// Package gatesdk is the client the bank-transfer subsystem uses to ask the
// signature service whether an application may be disbursed.
package gatesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Bearer     string
}

func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Bearer:     bearer,
	}
}

type EligibilityResponse struct {
	RequestID     string    `json:"request_id"`
	ApplicationID string    `json:"application_id"`
	Eligible      bool      `json:"eligible"`
	ProcessID     string    `json:"process_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

type IntegrityResponse struct {
	RequestID      string `json:"request_id"`
	ProcessID      string `json:"process_id"`
	State          string `json:"state"`
	OriginalValid  bool   `json:"original_valid"`
	SignedValid    *bool  `json:"signed_valid,omitempty"`
	IntegrityValid bool   `json:"integrity_valid"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// Eligibility reports whether the application's contract is fully signed
// and no transfer is already under way. The answer is computed per call.
func (c *Client) Eligibility(ctx context.Context, applicationID string) (*EligibilityResponse, error) {
	u := fmt.Sprintf("%s/firmas/solicitudes/%s/elegibilidad", c.BaseURL, url.PathEscape(applicationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[EligibilityResponse](c, req)
}

func (c *Client) Integrity(ctx context.Context, processID string) (*IntegrityResponse, error) {
	u := fmt.Sprintf("%s/firmas/%s/verificar", c.BaseURL, url.PathEscape(processID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[IntegrityResponse](c, req)
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, &APIError{Status: resp.StatusCode, Code: errBody.Error.Code, Message: errBody.Error.Message}
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
