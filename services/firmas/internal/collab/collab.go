// Package collab holds the clients for the services the signature engine
// depends on but does not own: contract generation, signature rendering
// and user notification.
package collab

import (
	"context"
	"time"

	"github.com/accordsai/creditlane/pkg/domain"
)

type ContractService interface {
	Generate(ctx context.Context, app domain.Application) (domain.Contract, error)
}

type DocumentRenderer interface {
	// MergeSignature returns doc with every signer's mark applied. It must
	// be deterministic for the same inputs.
	MergeSignature(ctx context.Context, doc []byte, signers []domain.Signer) ([]byte, error)
}

type NotificationService interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification kinds.
const (
	KindCompleted = "firma_completa"
	KindDeclined  = "firma_rechazada"
	KindSent      = "firma_enviada"
)

type Notification struct {
	Kind          string    `json:"kind"`
	ProcessID     string    `json:"process_id"`
	ApplicationID string    `json:"application_id"`
	ContractID    string    `json:"contract_id"`
	Recipients    []string  `json:"recipients"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
