// Package dochash fingerprints contract documents together with the
// metadata of the signature process they belong to.
//
// The fingerprint is SHA-256 over base64(document) followed by the JSON
// encoding of Metadata. Binding the metadata means the same bytes produce a
// different fingerprint for another contract, application or generation
// time, so an artifact signed under one process cannot be replayed into
// another.
package dochash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// BytesPerPage is the divisor behind EstimatePages. Office documents do not
// expose a page count without rendering them.
const BytesPerPage = 3000

var ErrMalformedHash = errors.New("malformed fingerprint")

// Metadata is the canonical object appended to the encoded document. Field
// order is fixed by the struct definition.
type Metadata struct {
	ApplicationID       string `json:"application_id"`
	ContractID          string `json:"contract_id"`
	ApplicationNumber   string `json:"application_number"`
	GenerationTimestamp string `json:"generation_timestamp"`
	ByteLength          int    `json:"byte_length"`
	EstimatedPageCount  int    `json:"estimated_page_count"`
}

// NewMetadata fills the size derived fields from doc.
func NewMetadata(doc []byte, applicationID, contractID, applicationNumber string, generatedAt time.Time) Metadata {
	return Metadata{
		ApplicationID:       applicationID,
		ContractID:          contractID,
		ApplicationNumber:   applicationNumber,
		GenerationTimestamp: generatedAt.UTC().Format(time.RFC3339Nano),
		ByteLength:          len(doc),
		EstimatedPageCount:  EstimatePages(len(doc)),
	}
}

func EstimatePages(byteLength int) int {
	if byteLength <= 0 {
		return 0
	}
	return (byteLength + BytesPerPage - 1) / BytesPerPage
}

// Sum returns the lowercase hex fingerprint of doc bound to meta.
func Sum(doc []byte, meta Metadata) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	enc := base64.NewEncoder(base64.StdEncoding, h)
	if _, err := enc.Write(doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	_, _ = h.Write(metaJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the fingerprint and compares it in constant time.
func Verify(doc []byte, meta Metadata, expected string) (bool, error) {
	want, err := decodeHex32(expected)
	if err != nil {
		return false, err
	}
	gotHex, err := Sum(doc, meta)
	if err != nil {
		return false, err
	}
	got, _ := hex.DecodeString(gotHex)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func decodeHex32(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if len(v) != 64 || strings.ToLower(v) != v {
		return nil, ErrMalformedHash
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, ErrMalformedHash
	}
	return b, nil
}
