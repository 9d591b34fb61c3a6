package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// EVENTS - Published after a write commits
// =============================================================================

// EventsExchange is the topic exchange ledger events are published to.
const EventsExchange = "tuition_events"

// Routing keys.
const (
	EventPaymentPosted       = "payment.posted"
	EventBalanceForwarded    = "payment.forwarded"
	EventOverpaymentRecorded = "overpayment.recorded"
	EventCreditApplied       = "credit.applied"
	EventLateFeePosted       = "latefee.posted"
	EventLateFeeWaived       = "latefee.waived"
	EventScholarshipAwarded  = "scholarship.awarded"
	EventScholarshipRevoked  = "scholarship.revoked"
)

// Publisher delivers events. A failed publish never undoes a committed write.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// LedgerEvent is the common envelope.
type LedgerEvent struct {
	StudentID  generic.StudentID `json:"student_id"`
	Term       string            `json:"term"`
	Amount     string            `json:"amount"`
	RecordID   string            `json:"record_id,omitempty"`
	TargetTerm string            `json:"target_term,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func publish(ctx context.Context, p Publisher, logger *slog.Logger, key string, ev LedgerEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, EventsExchange, key, ev); err != nil {
		loggerOrDefault(logger).Warn("failed to publish ledger event",
			"routing_key", key, "student_id", ev.StudentID, "error", err)
	}
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func clockOrSystem(c generic.Clock) generic.Clock {
	if c == nil {
		return generic.SystemClock
	}
	return c
}

func newID() string {
	return uuid.NewString()
}
