package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testSecret = "whsec_test"

func newIngestService(t *testing.T, dispatcher *Dispatcher) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &EventLog{}, &alert.AdminAlert{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	cfg.Payment.SigningSecret = testSecret

	svc := NewService(ServiceParams{
		DB:         db,
		Node:       node,
		Config:     cfg,
		Dispatcher: dispatcher,
		Alerts:     alert.NewService(alert.ServiceParams{DB: db, Node: node}),
	})
	return svc, db
}

func signedDelivery(t *testing.T, eventID, eventType string) (body []byte, header string) {
	t.Helper()
	body = []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":{}}}`, eventID, eventType))
	return body, Sign(body, testSecret, time.Now())
}

func TestIngestRejectsBadSignature(t *testing.T) {
	svc, db := newIngestService(t, NewDispatcher())

	body, _ := signedDelivery(t, "evt_1", "charge.succeeded")
	err := svc.Ingest(context.Background(), body, Sign(body, "whsec_wrong", time.Now()))

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusBadRequest, base.Status())

	var rows int64
	require.NoError(t, db.Model(&EventLog{}).Count(&rows).Error)
	require.EqualValues(t, 0, rows)
}

func TestIngestFailsWithoutSecret(t *testing.T) {
	svc, _ := newIngestService(t, NewDispatcher())
	svc.cfg.Payment.SigningSecret = ""

	body, header := signedDelivery(t, "evt_1", "charge.succeeded")
	err := svc.Ingest(context.Background(), body, header)

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusInternal, base.Status())
}

func TestIngestDispatchesOncePerEventID(t *testing.T) {
	var calls int
	dispatcher := NewDispatcher()
	dispatcher.Register("charge.succeeded", func(ctx context.Context, ev *Event) error {
		calls++
		return nil
	})
	svc, db := newIngestService(t, dispatcher)

	body, header := signedDelivery(t, "evt_1", "charge.succeeded")
	require.NoError(t, svc.Ingest(context.Background(), body, header))
	require.NoError(t, svc.Ingest(context.Background(), body, header))
	require.Equal(t, 1, calls)

	row := &EventLog{}
	require.NoError(t, db.Where("event_id = ?", "evt_1").First(row).Error)
	require.True(t, row.Processed)
	require.NotNil(t, row.ProcessedAt)
}

func TestIngestAcknowledgesUnhandledType(t *testing.T) {
	svc, db := newIngestService(t, NewDispatcher())

	body, header := signedDelivery(t, "evt_1", "some.future.event")
	require.NoError(t, svc.Ingest(context.Background(), body, header))

	row := &EventLog{}
	require.NoError(t, db.Where("event_id = ?", "evt_1").First(row).Error)
	require.True(t, row.Processed)
}

func TestIngestLeavesFailedDeliveryUnprocessed(t *testing.T) {
	broken := errors.New("downstream unavailable")
	var fail bool
	dispatcher := NewDispatcher()
	dispatcher.Register("charge.succeeded", func(ctx context.Context, ev *Event) error {
		if fail {
			return broken
		}
		return nil
	})
	svc, db := newIngestService(t, dispatcher)

	fail = true
	body, header := signedDelivery(t, "evt_1", "charge.succeeded")
	require.ErrorIs(t, svc.Ingest(context.Background(), body, header), broken)

	row := &EventLog{}
	require.NoError(t, db.Where("event_id = ?", "evt_1").First(row).Error)
	require.False(t, row.Processed)
	require.Contains(t, row.ErrorMessage, "downstream unavailable")

	// Redelivery of the same event id retries the handler instead of deduping.
	fail = false
	require.NoError(t, svc.Ingest(context.Background(), body, header))
	require.NoError(t, db.Where("event_id = ?", "evt_1").First(row).Error)
	require.True(t, row.Processed)
	require.Empty(t, row.ErrorMessage)
}

func TestIngestAcknowledgesHandlerConflict(t *testing.T) {
	dispatcher := NewDispatcher()
	dispatcher.Register("charge.refunded", func(ctx context.Context, ev *Event) error {
		return errutil.Conflict("order already released", nil)
	})
	svc, db := newIngestService(t, dispatcher)

	body, header := signedDelivery(t, "evt_1", "charge.refunded")
	require.NoError(t, svc.Ingest(context.Background(), body, header))

	row := &EventLog{}
	require.NoError(t, db.Where("event_id = ?", "evt_1").First(row).Error)
	require.True(t, row.Processed)

	var alerts int64
	require.NoError(t, db.Model(&alert.AdminAlert{}).
		Where("type = ?", alert.TypeIllegalTransition).Count(&alerts).Error)
	require.EqualValues(t, 1, alerts)
}

func TestIngestRejectsMalformedEnvelope(t *testing.T) {
	svc, _ := newIngestService(t, NewDispatcher())

	body := []byte(`{"type":"charge.succeeded"}`)
	err := svc.Ingest(context.Background(), body, Sign(body, testSecret, time.Now()))

	var base errutil.BaseError
	require.True(t, errors.As(err, &base))
	require.Equal(t, errutil.StatusBadRequest, base.Status())
}

func TestRetryUnprocessed(t *testing.T) {
	var fail bool
	dispatcher := NewDispatcher()
	dispatcher.Register("charge.succeeded", func(ctx context.Context, ev *Event) error {
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	svc, _ := newIngestService(t, dispatcher)

	fail = true
	body, header := signedDelivery(t, "evt_1", "charge.succeeded")
	require.Error(t, svc.Ingest(context.Background(), body, header))

	fail = false
	retried, recovered, err := svc.RetryUnprocessed(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, retried)
	require.Equal(t, 1, recovered)

	// Nothing left to retry.
	retried, recovered, err = svc.RetryUnprocessed(context.Background())
	require.NoError(t, err)
	require.Zero(t, retried)
	require.Zero(t, recovered)
}

func TestHandleRetryUnprocessedRecoversFailedDelivery(t *testing.T) {
	var fail bool
	dispatcher := NewDispatcher()
	dispatcher.Register("charge.succeeded", func(ctx context.Context, ev *Event) error {
		if fail {
			return errors.New("downstream unavailable")
		}
		return nil
	})
	svc, db := newIngestService(t, dispatcher)

	fail = true
	body, header := signedDelivery(t, "evt_1", "charge.succeeded")
	require.Error(t, svc.Ingest(context.Background(), body, header))

	fail = false
	require.NoError(t, svc.HandleRetryUnprocessed(context.Background(), NewRetryUnprocessedTask()))

	row := &EventLog{}
	require.NoError(t, db.Where("event_id = ?", "evt_1").First(row).Error)
	require.True(t, row.Processed)
	require.Empty(t, row.ErrorMessage)
}

func TestDispatcherPanicsOnDuplicateRegistration(t *testing.T) {
	d := NewDispatcher()
	d.Register("charge.succeeded", func(ctx context.Context, ev *Event) error { return nil })
	require.Panics(t, func() {
		d.Register("charge.succeeded", func(ctx context.Context, ev *Event) error { return nil })
	})
}
