package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/accordsai/creditlane/pkg/dochash"
	"github.com/accordsai/creditlane/pkg/domain"
)

// Superseded reports a process moved to reemplazado by SupersedeAndInsert.
type Superseded struct {
	ProcessID   string
	StateBefore domain.State
}

const processColumns = `process_id,contract_id,application_id,application_number,applicant_user_id,reviewer_user_id,
state,document_path,original_hash,original_hash_meta,signed_hash,signed_hash_meta,signed_document_path,
signed_at_applicant,signed_at_reviewer,signer_ip,signer_user_agent,signer_location,integrity_valid,
sent_at,expires_at,send_attempt_count,last_error,decline_reason,created_at,updated_at`

func scanProcess(row pgx.Row) (domain.Process, error) {
	var (
		p                                            domain.Process
		state                                        string
		originalHash, signedHash, signedPath         *string
		originalMeta, signedMeta                     []byte
		signerIP, signerUA, signerLoc, lastErr, decl *string
	)
	err := row.Scan(&p.ProcessID, &p.ContractID, &p.ApplicationID, &p.ApplicationNumber, &p.ApplicantUserID, &p.ReviewerUserID,
		&state, &p.DocumentPath, &originalHash, &originalMeta, &signedHash, &signedMeta, &signedPath,
		&p.SignedAtApplicant, &p.SignedAtReviewer, &signerIP, &signerUA, &signerLoc, &p.IntegrityValid,
		&p.SentAt, &p.ExpiresAt, &p.SendAttemptCount, &lastErr, &decl, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Process{}, ErrNotFound
		}
		return domain.Process{}, err
	}
	p.State = domain.State(state)
	p.OriginalHash = deref(originalHash)
	p.SignedHash = deref(signedHash)
	p.SignedDocumentPath = deref(signedPath)
	p.SignerIP = deref(signerIP)
	p.SignerUserAgent = deref(signerUA)
	p.SignerLocation = deref(signerLoc)
	p.LastError = deref(lastErr)
	p.DeclineReason = deref(decl)
	if p.OriginalHashMeta, err = decodeMeta(originalMeta); err != nil {
		return domain.Process{}, err
	}
	if p.SignedHashMeta, err = decodeMeta(signedMeta); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

func decodeMeta(b []byte) (*dochash.Metadata, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m dochash.Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeMeta(m *dochash.Metadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func collectProcesses(rows pgx.Rows) ([]domain.Process, error) {
	defer rows.Close()
	out := []domain.Process{}
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func stateStrings(states []domain.State) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, string(s))
	}
	return out
}

func (s *Store) GetProcess(ctx context.Context, processID string) (domain.Process, error) {
	return scanProcess(s.DB.QueryRow(ctx, `SELECT `+processColumns+` FROM signature_processes WHERE process_id=$1`, processID))
}

// LatestProcessForApplication returns the most recently created process of
// any state for applicationID.
func (s *Store) LatestProcessForApplication(ctx context.Context, applicationID string) (domain.Process, error) {
	return scanProcess(s.DB.QueryRow(ctx, `
SELECT `+processColumns+` FROM signature_processes
WHERE application_id=$1
ORDER BY created_at DESC, process_id DESC
LIMIT 1`, applicationID))
}

func (s *Store) LatestCompletedProcess(ctx context.Context, applicationID string) (domain.Process, error) {
	return scanProcess(s.DB.QueryRow(ctx, `
SELECT `+processColumns+` FROM signature_processes
WHERE application_id=$1 AND state=$2
ORDER BY updated_at DESC
LIMIT 1`, applicationID, string(domain.StateCompleted)))
}

// SupersedeAndInsert moves every active process of p.ApplicationID to
// reemplazado and inserts p, in one transaction. A concurrent creator that
// wins the race surfaces as ErrActiveProcessExists.
func (s *Store) SupersedeAndInsert(ctx context.Context, p domain.Process) ([]Superseded, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
WITH prev AS (
  SELECT process_id, state FROM signature_processes
  WHERE application_id=$1 AND state = ANY($2)
  FOR UPDATE
)
UPDATE signature_processes sp
SET state=$3, updated_at=$4
FROM prev
WHERE sp.process_id=prev.process_id
RETURNING sp.process_id, prev.state
`, p.ApplicationID, stateStrings(domain.ActiveStates), string(domain.StateReplaced), p.CreatedAt)
	if err != nil {
		return nil, err
	}
	superseded := []Superseded{}
	for rows.Next() {
		var sup Superseded
		var before string
		if err := rows.Scan(&sup.ProcessID, &before); err != nil {
			rows.Close()
			return nil, err
		}
		sup.StateBefore = domain.State(before)
		superseded = append(superseded, sup)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := insertProcess(ctx, tx, p); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveProcessExists
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveProcessExists
		}
		return nil, err
	}
	return superseded, nil
}

func insertProcess(ctx context.Context, tx pgx.Tx, p domain.Process) error {
	originalMeta, err := encodeMeta(p.OriginalHashMeta)
	if err != nil {
		return err
	}
	signedMeta, err := encodeMeta(p.SignedHashMeta)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO signature_processes(`+processColumns+`)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12::jsonb,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
`, p.ProcessID, p.ContractID, p.ApplicationID, p.ApplicationNumber, p.ApplicantUserID, p.ReviewerUserID,
		string(p.State), p.DocumentPath, nullable(p.OriginalHash), originalMeta, nullable(p.SignedHash), signedMeta, nullable(p.SignedDocumentPath),
		p.SignedAtApplicant, p.SignedAtReviewer, nullable(p.SignerIP), nullable(p.SignerUserAgent), nullable(p.SignerLocation), p.IntegrityValid,
		p.SentAt, p.ExpiresAt, p.SendAttemptCount, nullable(p.LastError), nullable(p.DeclineReason), p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProcess writes every mutable column of p, conditional on the row
// still being in expected. original_hash is write-once.
func (s *Store) UpdateProcess(ctx context.Context, p domain.Process, expected domain.State) error {
	originalMeta, err := encodeMeta(p.OriginalHashMeta)
	if err != nil {
		return err
	}
	signedMeta, err := encodeMeta(p.SignedHashMeta)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `
UPDATE signature_processes SET
  contract_id=$3,
  state=$4,
  document_path=$5,
  original_hash=COALESCE(original_hash,$6),
  original_hash_meta=COALESCE(original_hash_meta,$7::jsonb),
  signed_hash=$8,
  signed_hash_meta=$9::jsonb,
  signed_document_path=$10,
  signed_at_applicant=$11,
  signed_at_reviewer=$12,
  signer_ip=$13,
  signer_user_agent=$14,
  signer_location=$15,
  integrity_valid=$16,
  sent_at=$17,
  expires_at=$18,
  send_attempt_count=$19,
  last_error=$20,
  decline_reason=$21,
  updated_at=$22
WHERE process_id=$1 AND state=$2
`, p.ProcessID, string(expected), p.ContractID, string(p.State), p.DocumentPath, nullable(p.OriginalHash), originalMeta,
		nullable(p.SignedHash), signedMeta, nullable(p.SignedDocumentPath), p.SignedAtApplicant, p.SignedAtReviewer,
		nullable(p.SignerIP), nullable(p.SignerUserAgent), nullable(p.SignerLocation), p.IntegrityValid,
		p.SentAt, p.ExpiresAt, p.SendAttemptCount, nullable(p.LastError), nullable(p.DeclineReason), p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveProcessExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetProcess(ctx, p.ProcessID); err != nil {
			return err
		}
		return ErrStateConflict
	}
	return nil
}

// ListDueForExpiry returns expirable processes whose expires_at is before now.
func (s *Store) ListDueForExpiry(ctx context.Context, now time.Time, limit int) ([]domain.Process, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
SELECT `+processColumns+` FROM signature_processes
WHERE state = ANY($1) AND expires_at IS NOT NULL AND expires_at < $2
ORDER BY expires_at ASC
LIMIT $3`, stateStrings(domain.ExpirableStates), now, limit)
	if err != nil {
		return nil, err
	}
	return collectProcesses(rows)
}

// ListPendingFor returns processes awaiting a signature from actor. When
// anyReviewer is set, reviewer lookups ignore the bound reviewer.
func (s *Store) ListPendingFor(ctx context.Context, actor domain.Actor, userID string, anyReviewer bool) ([]domain.Process, error) {
	waiting := []domain.State{domain.StateSent, domain.StateSignedReviewer}
	column := "applicant_user_id"
	if actor == domain.ActorReviewer {
		waiting = []domain.State{domain.StateSent, domain.StateSignedApplicant}
		column = "reviewer_user_id"
	}
	rows, err := s.DB.Query(ctx, `
SELECT `+processColumns+` FROM signature_processes
WHERE state = ANY($1) AND ($3 OR `+column+`=$2)
ORDER BY expires_at ASC NULLS LAST, created_at ASC`, stateStrings(waiting), userID, anyReviewer && actor == domain.ActorReviewer)
	if err != nil {
		return nil, err
	}
	return collectProcesses(rows)
}
