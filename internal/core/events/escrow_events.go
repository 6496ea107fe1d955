package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypeEscrowCreated   = "escrow.created"
	EventTypeEscrowCompleted = "escrow.completed"
	EventTypeEscrowReleased  = "escrow.released"
	EventTypeEscrowDisputed  = "escrow.disputed"
	EventTypeEscrowResolved  = "escrow.resolved"
	EventTypeManualPaid      = "payment.manual_paid"
)

const (
	SourceBridge     = "bridge"
	SourceReconciler = "reconciler"
	SourceManual     = "manual"
)

// EscrowEvent reports a settlement state change to the notification side.
type EscrowEvent struct {
	BaseEvent
	JobID      string `json:"job_id"`
	EscrowID   uint64 `json:"escrow_id,omitempty"`
	PaymentID  int64  `json:"payment_id"`
	EmployerID int64  `json:"employer_id"`
	WorkerID   int64  `json:"worker_id"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	TxHash     string `json:"tx_hash,omitempty"`
	Source     string `json:"source"`
}

type EscrowEventFields struct {
	JobID      string
	EscrowID   uint64
	PaymentID  int64
	EmployerID int64
	WorkerID   int64
	Status     string
	Amount     string
	TxHash     string
	Source     string
}

func NewEscrowEvent(eventType string, f EscrowEventFields) *EscrowEvent {
	return &EscrowEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"job_id":      f.JobID,
				"escrow_id":   f.EscrowID,
				"payment_id":  f.PaymentID,
				"employer_id": f.EmployerID,
				"worker_id":   f.WorkerID,
				"status":      f.Status,
				"amount":      f.Amount,
				"tx_hash":     f.TxHash,
				"source":      f.Source,
			},
		},
		JobID:      f.JobID,
		EscrowID:   f.EscrowID,
		PaymentID:  f.PaymentID,
		EmployerID: f.EmployerID,
		WorkerID:   f.WorkerID,
		Status:     f.Status,
		Amount:     f.Amount,
		TxHash:     f.TxHash,
		Source:     f.Source,
	}
}

// TypeForStatus maps a mirrored blockchain status to the event announcing it.
func TypeForStatus(blockchainStatus string) (string, bool) {
	switch blockchainStatus {
	case "funded":
		return EventTypeEscrowCreated, true
	case "completed":
		return EventTypeEscrowCompleted, true
	case "released":
		return EventTypeEscrowReleased, true
	case "disputed":
		return EventTypeEscrowDisputed, true
	case "refunded":
		return EventTypeEscrowResolved, true
	}
	return "", false
}
