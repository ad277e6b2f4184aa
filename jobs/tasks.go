package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeRemittance is the task type for sending remittance advice
	// to a supplier after a payment run pays their bills.
	TaskTypeRemittance = "mail:remittance"
)

// RemittancePayload describes a supplier payment to advise on.
type RemittancePayload struct {
	CompanyID     int64           `json:"company_id"`
	ContactID     int64           `json:"contact_id"`
	TransactionID int64           `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// NewRemittanceTask constructs an Asynq task.
func NewRemittanceTask(payload RemittancePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRemittance, data), nil
}

// HandleRemittanceTask processes TaskTypeRemittance tasks.
func HandleRemittanceTask(ctx context.Context, t *asynq.Task) error {
	var payload RemittancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	// Placeholder: render and send the remittance advice via SMTP.
	slog.Default().Info("remittance advice",
		slog.Int64("company_id", payload.CompanyID),
		slog.Int64("contact_id", payload.ContactID),
		slog.Int64("transaction_id", payload.TransactionID),
		slog.String("amount", payload.Amount.String()))
	return nil
}
