// Package idempotency replays the first successful response recorded for a
// caller's Idempotency-Key on one endpoint.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrKeyReused is returned when a key comes back with a different request.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// Request identifies one keyed call. Records are scoped by UserID, Endpoint
// and Key; Fingerprint binds the key to the request that first used it.
type Request struct {
	UserID      string
	Key         string
	Endpoint    string
	Fingerprint string
}

type Record struct {
	Status      int            `json:"status"`
	Body        map[string]any `json:"body"`
	Fingerprint string         `json:"fingerprint"`
}

type Store interface {
	GetRecord(ctx context.Context, req Request) (Record, bool, error)
	// SaveRecord keeps the first record stored for a request's scope.
	SaveRecord(ctx context.Context, req Request, rec Record) error
}

// Fingerprint hashes the parts of a call that must match on replay.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Replay returns the stored record for req. A record saved under a
// different fingerprint yields ErrKeyReused.
func Replay(ctx context.Context, st Store, req Request) (Record, bool, error) {
	if req.Key == "" || st == nil {
		return Record{}, false, nil
	}
	rec, found, err := st.GetRecord(ctx, req)
	if err != nil || !found {
		return Record{}, false, err
	}
	if rec.Fingerprint != req.Fingerprint {
		return Record{}, false, ErrKeyReused
	}
	return rec, true, nil
}

// Save records a response for later replay. Only successful responses are
// worth replaying; callers skip Save for errors so the client can retry.
func Save(ctx context.Context, st Store, req Request, status int, body map[string]any) error {
	if req.Key == "" || st == nil {
		return nil
	}
	return st.SaveRecord(ctx, req, Record{Status: status, Body: body, Fingerprint: req.Fingerprint})
}

func recordKey(req Request) string {
	return "firmas:idem:" + req.UserID + ":" + req.Endpoint + ":" + req.Key
}
