package domain

import "time"

// Audit action tags.
const (
	ActionCreate           = "crear_proceso"
	ActionSend             = "enviar_proceso"
	ActionSign             = "firmar"
	ActionComplete         = "firma_completa"
	ActionExpire           = "expirar"
	ActionReinstate        = "renovar"
	ActionDecline          = "rechazar"
	ActionReplace          = "reemplazar"
	ActionRepairRelation   = "reparar_relacion_firma_contrato"
	ActionIntegrityFailure = "integridad_fallida"
)

// AuditEvent is immutable once appended.
type AuditEvent struct {
	EventID     string    `json:"event_id"`
	ProcessID   string    `json:"process_id"`
	ActorID     string    `json:"actor_id"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	StateBefore State     `json:"state_before,omitempty"`
	StateAfter  State     `json:"state_after,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
}
