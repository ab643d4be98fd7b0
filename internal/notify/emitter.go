package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentledger",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by type.",
	}, []string{"type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rentledger",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter wraps a Dispatcher with async fire-and-forget semantics.
// All methods return immediately; failures are counted and logged,
// never surfaced to the ledger path.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// Emit sends one notification in the background.
func (e *Emitter) Emit(eventType, recipient, amount, reference string) {
	if e == nil || e.d == nil {
		return
	}
	notifyEmitTotal.WithLabelValues(eventType).Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := e.d.Send(ctx, Notification{
			Type:      eventType,
			Recipient: recipient,
			Amount:    amount,
			Reference: reference,
		})
		if err != nil {
			notifyEmitErrors.WithLabelValues(eventType).Inc()
			e.logger.Warn("notification emit failed",
				"type", eventType, "recipient", recipient, "error", err)
		}
	}()
}

// EmitPayment notifies about a successful payment.
func (e *Emitter) EmitPayment(recipient, amount, reference string) {
	e.Emit("payment", recipient, amount, reference)
}

// EmitAllocation notifies about a completed prepayment allocation.
func (e *Emitter) EmitAllocation(recipient, amount, reference string) {
	e.Emit("allocation", recipient, amount, reference)
}

// EmitRefund notifies about a refund released to a wallet.
func (e *Emitter) EmitRefund(recipient, amount, reference string) {
	e.Emit("refund", recipient, amount, reference)
}
