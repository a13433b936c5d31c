package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/accordsai/creditlane/pkg/domain"
)

func (s *Store) GetApplication(ctx context.Context, applicationID string) (domain.Application, error) {
	var (
		a                domain.Application
		number, reviewer *string
	)
	err := s.DB.QueryRow(ctx, `
SELECT solicitud_id,numero_solicitud,solicitante_user_id,operador_user_id,estado
FROM solicitudes WHERE solicitud_id=$1`, applicationID).
		Scan(&a.ApplicationID, &number, &a.ApplicantUserID, &reviewer, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Application{}, ErrNotFound
	}
	a.ApplicationNumber = deref(number)
	a.ReviewerUserID = deref(reviewer)
	return a, err
}

func scanContract(row pgx.Row) (domain.Contract, error) {
	var c domain.Contract
	err := row.Scan(&c.ContractID, &c.ApplicationID, &c.DocumentPath, &c.GeneratedAt, &c.SignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Contract{}, ErrNotFound
	}
	return c, err
}

func (s *Store) GetContract(ctx context.Context, contractID string) (domain.Contract, error) {
	return scanContract(s.DB.QueryRow(ctx, `
SELECT contrato_id,solicitud_id,document_path,generated_at,firmado_at
FROM contratos WHERE contrato_id=$1`, contractID))
}

// LatestContractForApplication returns the most recently generated contract.
func (s *Store) LatestContractForApplication(ctx context.Context, applicationID string) (domain.Contract, error) {
	return scanContract(s.DB.QueryRow(ctx, `
SELECT contrato_id,solicitud_id,document_path,generated_at,firmado_at
FROM contratos WHERE solicitud_id=$1
ORDER BY generated_at DESC
LIMIT 1`, applicationID))
}

// SaveContract records a contract returned by the generator. Re-saving the
// same id is a no-op.
func (s *Store) SaveContract(ctx context.Context, c domain.Contract) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO contratos(contrato_id,solicitud_id,document_path,generated_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (contrato_id) DO NOTHING`, c.ContractID, c.ApplicationID, c.DocumentPath, c.GeneratedAt)
	return err
}

func (s *Store) MarkContractSigned(ctx context.Context, contractID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `UPDATE contratos SET firmado_at=$2 WHERE contrato_id=$1`, contractID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// HasOpenTransfer reports whether a fund transfer is pending, processing or
// already completed for applicationID.
func (s *Store) HasOpenTransfer(ctx context.Context, applicationID string) (bool, error) {
	var open bool
	err := s.DB.QueryRow(ctx, `
SELECT EXISTS(
  SELECT 1 FROM transferencias
  WHERE solicitud_id=$1 AND estado IN ('pendiente','procesando','completada')
)`, applicationID).Scan(&open)
	return open, err
}
