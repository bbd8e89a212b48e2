package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/db/option"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
	"artmarket-platform/services/alert"
)

// retryWindow is how long an unprocessed delivery stays eligible for retry;
// the processor stops redelivering after roughly this long too.
const retryWindow = 72 * time.Hour

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config

	dispatcher *Dispatcher
	alerts     alert.Emitter
	events     repository.Repository[EventLog]
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Dispatcher *Dispatcher
	Alerts     alert.Emitter
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		cfg:        p.Config,
		dispatcher: p.Dispatcher,
		alerts:     p.Alerts,
		events:     repository.ProvideStore[EventLog](p.DB),
	}
}

// Ingest verifies, dedups, and dispatches one raw delivery. A nil return
// tells the transport to acknowledge; any error leaves the delivery
// unacknowledged so the processor redelivers.
//
// An event id that has already been processed is acknowledged without
// re-running its handler. A conflict from a handler means the delivery raced
// a transition that already happened; it is alerted and acknowledged, never
// retried, because replaying it can only conflict again.
func (s *Service) Ingest(ctx context.Context, body []byte, signatureHeader string) error {
	if s.cfg.Payment.SigningSecret == "" {
		return errutil.Internal("webhook signing secret is not configured", nil)
	}
	if err := VerifySignature(body, signatureHeader, s.cfg.Payment.SigningSecret,
		s.cfg.Payment.SignatureTolerance, time.Now()); err != nil {
		return err
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return errutil.BadRequest("malformed event envelope", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return errutil.BadRequest("event envelope missing id or type", nil)
	}

	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)

	row, created, err := s.recordDelivery(ctx, &ev, body)
	if err != nil {
		return err
	}
	if row.Processed {
		zapLog.Info("duplicate webhook delivery acknowledged")
		return nil
	}
	if !created {
		zapLog.Info("retrying previously failed webhook delivery")
	}

	handled, err := s.dispatcher.Dispatch(ctx, &ev)
	if err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) && base.Code == errutil.StatusConflict {
			zapLog.Warn("webhook handler conflict, acknowledging", zap.Error(err))
			if alertErr := s.alerts.Emit(ctx, alert.EmitParams{
				Type:       alert.TypeIllegalTransition,
				Severity:   alert.SeverityCritical,
				Title:      "webhook transition conflict",
				Message:    err.Error(),
				EntityType: "webhook_event",
				EntityID:   ev.ID,
			}); alertErr != nil {
				return alertErr
			}
			return s.markProcessed(ctx, row.ID)
		}

		zapLog.Error("webhook handler failed", zap.Error(err))
		if updErr := s.events.Update(ctx, row.ID, map[string]any{
			"error_message": err.Error(),
			"updated_at":    time.Now(),
		}); updErr != nil {
			zapLog.Error("failed to record handler error", zap.Error(updErr))
		}
		return err
	}

	if !handled {
		zapLog.Info("acknowledged unhandled event type")
	}
	return s.markProcessed(ctx, row.ID)
}

// recordDelivery inserts the dedup row, or loads the existing one when the
// event id was seen before. The unique index on event_id is what makes two
// concurrent deliveries of the same event collapse to one row.
func (s *Service) recordDelivery(ctx context.Context, ev *Event, body []byte) (row *EventLog, created bool, err error) {
	row = &EventLog{
		ID:        s.node.Generate().String(),
		EventID:   ev.ID,
		EventType: ev.Type,
		Payload:   body,
	}
	if err := s.events.Create(ctx, row); err == nil {
		return row, true, nil
	}

	existing, err := s.events.FindOne(ctx, &EventLog{EventID: ev.ID})
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, errutil.Internal("webhook event log insert failed without an existing row", nil)
	}
	return existing, false, nil
}

func (s *Service) markProcessed(ctx context.Context, rowID string) error {
	now := time.Now()
	return s.events.Update(ctx, rowID, map[string]any{
		"processed":     true,
		"processed_at":  now,
		"error_message": "",
		"updated_at":    now,
	})
}

// RetryUnprocessed re-dispatches stored deliveries that failed inside the
// retry window. It backstops the processor's own redelivery when the outage
// outlasts its schedule.
func (s *Service) RetryUnprocessed(ctx context.Context) (retried, recovered int, err error) {
	rows, err := s.events.Find(ctx, &EventLog{},
		option.ApplyOperator(option.Condition{
			Field:    "processed",
			Operator: option.EQ,
			Value:    false,
		}),
	)
	if err != nil {
		return 0, 0, err
	}

	cutoff := time.Now().Add(-retryWindow)
	for _, row := range rows {
		if row.ErrorMessage == "" || row.CreatedAt.Before(cutoff) {
			continue
		}
		retried++

		var ev Event
		if decodeErr := json.Unmarshal(row.Payload, &ev); decodeErr != nil {
			zap.L().Error("stored webhook payload is undecodable",
				zap.String("event_id", row.EventID),
				zap.Error(decodeErr),
			)
			continue
		}

		if _, dispatchErr := s.dispatcher.Dispatch(ctx, &ev); dispatchErr != nil {
			zap.L().Warn("stored webhook retry failed",
				zap.String("event_id", row.EventID),
				zap.Error(dispatchErr),
			)
			continue
		}
		if markErr := s.markProcessed(ctx, row.ID); markErr != nil {
			return retried, recovered, markErr
		}
		recovered++
	}
	return retried, recovered, nil
}
