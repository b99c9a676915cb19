// Package events publishes run lifecycle events to RabbitMQ so downstream
// consumers (reporting, ledger sync) can react without polling.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/messaging"
)

// RunCompletedPayload is the body of cogs.run.completed.
type RunCompletedPayload struct {
	RunID                 string          `json:"run_id"`
	TenantID              string          `json:"tenant_id"`
	TotalSalesProcessed   int             `json:"total_sales_processed"`
	TotalCOGSCalculated   decimal.Decimal `json:"total_cogs_calculated"`
	ValidationErrorsCount int             `json:"validation_errors_count"`
	CompletedAt           time.Time       `json:"completed_at"`
}

// RunFailedPayload is the body of cogs.run.failed.
type RunFailedPayload struct {
	RunID    string `json:"run_id"`
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// RunRolledBackPayload is the body of cogs.run.rolled_back.
type RunRolledBackPayload struct {
	RunID        string    `json:"run_id"`
	TenantID     string    `json:"tenant_id"`
	RolledBackAt time.Time `json:"rolled_back_at"`
}

// RunPublisher emits run lifecycle events. A nil *RunPublisher is a valid
// no-op so the service works without a broker in tests.
type RunPublisher struct {
	publisher *messaging.Publisher
	logger    *logger.Logger
}

// NewRunPublisher wraps a messaging publisher bound to the COGS exchange.
func NewRunPublisher(publisher *messaging.Publisher, log *logger.Logger) *RunPublisher {
	return &RunPublisher{publisher: publisher, logger: log}
}

func (p *RunPublisher) publish(ctx context.Context, eventType string, payload interface{}) {
	if p == nil || p.publisher == nil {
		return
	}
	// Event delivery is best-effort: a broker outage must not fail a run
	// whose results are already committed.
	if err := p.publisher.Publish(ctx, eventType, payload); err != nil {
		p.logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish run event")
	}
}

func (p *RunPublisher) RunCompleted(ctx context.Context, payload RunCompletedPayload) {
	p.publish(ctx, messaging.EventRunCompleted, payload)
}

func (p *RunPublisher) RunFailed(ctx context.Context, payload RunFailedPayload) {
	p.publish(ctx, messaging.EventRunFailed, payload)
}

func (p *RunPublisher) RunRolledBack(ctx context.Context, payload RunRolledBackPayload) {
	p.publish(ctx, messaging.EventRunRolledBack, payload)
}
