package domain

import (
	"time"

	"github.com/accordsai/creditlane/pkg/dochash"
)

// Process is one signature workflow over one contract attempt.
type Process struct {
	ProcessID          string            `json:"process_id"`
	ContractID         string            `json:"contract_id"`
	ApplicationID      string            `json:"application_id"`
	ApplicationNumber  string            `json:"application_number"`
	ApplicantUserID    string            `json:"applicant_user_id"`
	ReviewerUserID     string            `json:"reviewer_user_id"`
	State              State             `json:"state"`
	DocumentPath       string            `json:"document_path"`
	OriginalHash       string            `json:"original_hash,omitempty"`
	OriginalHashMeta   *dochash.Metadata `json:"original_hash_meta,omitempty"`
	SignedHash         string            `json:"signed_hash,omitempty"`
	SignedHashMeta     *dochash.Metadata `json:"signed_hash_meta,omitempty"`
	SignedDocumentPath string            `json:"signed_document_path,omitempty"`
	SignedAtApplicant  *time.Time        `json:"signed_at_applicant,omitempty"`
	SignedAtReviewer   *time.Time        `json:"signed_at_reviewer,omitempty"`
	SignerIP           string            `json:"signer_ip,omitempty"`
	SignerUserAgent    string            `json:"signer_user_agent,omitempty"`
	SignerLocation     string            `json:"signer_location,omitempty"`
	IntegrityValid     bool              `json:"integrity_valid"`
	SentAt             *time.Time        `json:"sent_at,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	SendAttemptCount   int               `json:"send_attempt_count"`
	LastError          string            `json:"last_error,omitempty"`
	DeclineReason      string            `json:"decline_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func (p Process) SignedAt(a Actor) *time.Time {
	if a == ActorApplicant {
		return p.SignedAtApplicant
	}
	return p.SignedAtReviewer
}

func (p Process) HasSigned(a Actor) bool { return p.SignedAt(a) != nil }

func (p Process) BothSigned() bool {
	return p.SignedAtApplicant != nil && p.SignedAtReviewer != nil
}

// IsDue reports whether a lazy expiration check should expire p at now.
func (p Process) IsDue(now time.Time) bool {
	return p.State.IsExpirable() && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// BoundUser returns the user bound to the given side of the process.
func (p Process) BoundUser(a Actor) string {
	if a == ActorApplicant {
		return p.ApplicantUserID
	}
	return p.ReviewerUserID
}

// Application is the approved credit request a process signs for.
type Application struct {
	ApplicationID     string `json:"application_id"`
	ApplicationNumber string `json:"application_number"`
	ApplicantUserID   string `json:"applicant_user_id"`
	ReviewerUserID    string `json:"reviewer_user_id"`
	Status            string `json:"status"`
}

const ApplicationApproved = "aprobada"

// Contract is the generated legal document bound to an application.
type Contract struct {
	ContractID    string     `json:"contract_id"`
	ApplicationID string     `json:"application_id"`
	DocumentPath  string     `json:"document_path"`
	GeneratedAt   time.Time  `json:"generated_at"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
}

// Signer carries what the renderer stamps into the signed artifact.
type Signer struct {
	Actor     Actor     `json:"actor"`
	UserID    string    `json:"user_id"`
	SignedAt  time.Time `json:"signed_at"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Location  string    `json:"location,omitempty"`
	Mark      string    `json:"mark"`
}

// Request metadata captured for audit events.
type RequestMeta struct {
	IP        string
	UserAgent string
	Location  string
}
