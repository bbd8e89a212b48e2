package payout

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
	"artmarket-platform/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type orderReaderStub struct {
	held bool
	err  error
}

func (o *orderReaderStub) EscrowHeld(ctx context.Context, orderID string) (bool, error) {
	return o.held, o.err
}

type gateStub struct {
	blocked bool
}

func (g *gateStub) HasBlockingDeviation(ctx context.Context, orderID string) (bool, error) {
	return g.blocked, nil
}

func newTestService(t *testing.T, orders OrderReader, gate DeviationGate) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &Payout{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	return &Service{
		db:      db,
		node:    node,
		cfg:     cfg,
		orders:  orders,
		gate:    gate,
		payouts: repository.ProvideStore[Payout](db),
	}
}

func seedPayout(t *testing.T, svc *Service, status string) *Payout {
	t.Helper()

	row := svc.NewForOrder("order-1", "seller-1", 10000)
	row.Status = status
	require.NoError(t, svc.payouts.Create(context.Background(), row))
	return row
}

func requireStatusCode(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()

	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected BaseError, got %v", err)
	require.Equal(t, want, base.Status())
}

func TestComputeSplit(t *testing.T) {
	cases := []struct {
		name       string
		gross      int64
		rate       float64
		commission int64
	}{
		{"even twenty percent", 10000, 0.20, 2000},
		{"rounds half up", 9999, 0.20, 2000},
		{"small amount", 3, 0.20, 1},
		{"zero gross", 0, 0.20, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			split := ComputeSplit(tc.gross, tc.rate, "2024-01")
			require.Equal(t, tc.commission, split.CommissionAmount)
			require.Equal(t, tc.gross, split.CommissionAmount+split.NetAmount)
			require.Equal(t, "2024-01", split.RateVersion)
		})
	}
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatusPending, StatusRequested))
	require.True(t, CanTransition(StatusPending, StatusRejected))
	require.True(t, CanTransition(StatusRequested, StatusApproved))
	require.True(t, CanTransition(StatusApproved, StatusCompleted))

	require.False(t, CanTransition(StatusPending, StatusCompleted))
	require.False(t, CanTransition(StatusRequested, StatusPending))
	require.False(t, CanTransition(StatusRejected, StatusApproved))
	require.False(t, CanTransition(StatusCompleted, StatusRejected))
}

func TestNewForOrderRecordsRateVersion(t *testing.T) {
	svc := newTestService(t, nil, nil)

	row := svc.NewForOrder("order-1", "seller-1", 12345)
	require.Equal(t, StatusPending, row.Status)
	require.Equal(t, int64(2469), row.CommissionAmount)
	require.Equal(t, int64(9876), row.NetAmount)
	require.Equal(t, 0.20, row.CommissionRate)
	require.NotEmpty(t, row.RateVersion)
}

func TestRequestRequiresHeldEscrow(t *testing.T) {
	reader := &orderReaderStub{held: false}
	svc := newTestService(t, reader, nil)
	row := seedPayout(t, svc, StatusPending)

	_, err := svc.Request(context.Background(), row.ID, "seller-1")
	requireStatusCode(t, err, errutil.StatusUnprocessableEntity)

	reader.held = true
	updated, err := svc.Request(context.Background(), row.ID, "seller-1")
	require.NoError(t, err)
	require.Equal(t, StatusRequested, updated.Status)
	require.NotNil(t, updated.RequestedAt)
}

func TestRequestRejectsForeignSeller(t *testing.T) {
	svc := newTestService(t, &orderReaderStub{held: true}, nil)
	row := seedPayout(t, svc, StatusPending)

	_, err := svc.Request(context.Background(), row.ID, "someone-else")
	requireStatusCode(t, err, errutil.StatusForbidden)
}

func TestApproveBlockedByDeviationGate(t *testing.T) {
	gate := &gateStub{blocked: true}
	svc := newTestService(t, nil, gate)
	row := seedPayout(t, svc, StatusRequested)

	_, err := svc.Approve(context.Background(), row.ID, "admin-1")
	requireStatusCode(t, err, errutil.StatusUnprocessableEntity)

	gate.blocked = false
	updated, err := svc.Approve(context.Background(), row.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.Equal(t, "admin-1", updated.ApprovedBy)
}

func TestApproveIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil, nil)
	row := seedPayout(t, svc, StatusApproved)

	updated, err := svc.Approve(context.Background(), row.ID, "admin-2")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, updated.Status)
	require.Empty(t, updated.ApprovedBy)
}

func TestRejectRequiresReason(t *testing.T) {
	svc := newTestService(t, nil, nil)
	row := seedPayout(t, svc, StatusPending)

	_, err := svc.Reject(context.Background(), row.ID, "")
	requireStatusCode(t, err, errutil.StatusValidationFailed)
}

func TestRejectCompletedConflicts(t *testing.T) {
	svc := newTestService(t, nil, nil)
	row := seedPayout(t, svc, StatusCompleted)

	_, err := svc.Reject(context.Background(), row.ID, "late refund")
	requireStatusCode(t, err, errutil.StatusConflict)
}

func TestCompleteFromTransferOnlyFromApproved(t *testing.T) {
	svc := newTestService(t, nil, nil)
	row := seedPayout(t, svc, StatusRequested)

	_, err := svc.CompleteFromTransfer(context.Background(), row.ID, "tr_1")
	requireStatusCode(t, err, errutil.StatusConflict)

	require.NoError(t, svc.payouts.Update(context.Background(), row.ID, map[string]any{
		"status": StatusApproved,
	}))

	updated, err := svc.CompleteFromTransfer(context.Background(), row.ID, "tr_1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, updated.Status)
	require.Equal(t, "tr_1", updated.TransferRef)
}

func TestCompleteFromTransferIdempotentPerRef(t *testing.T) {
	svc := newTestService(t, nil, nil)
	row := seedPayout(t, svc, StatusApproved)

	_, err := svc.CompleteFromTransfer(context.Background(), row.ID, "tr_1")
	require.NoError(t, err)

	// Redelivery of the same transfer is a no-op.
	updated, err := svc.CompleteFromTransfer(context.Background(), row.ID, "tr_1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, updated.Status)

	// A different transfer claiming the same payout is not.
	_, err = svc.CompleteFromTransfer(context.Background(), row.ID, "tr_2")
	requireStatusCode(t, err, errutil.StatusConflict)
}

func TestFindByTransferRef(t *testing.T) {
	svc := newTestService(t, nil, nil)
	row := seedPayout(t, svc, StatusApproved)

	_, err := svc.CompleteFromTransfer(context.Background(), row.ID, "tr_9")
	require.NoError(t, err)

	found, err := svc.FindByTransferRef(context.Background(), "tr_9")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, row.ID, found.ID)

	missing, err := svc.FindByTransferRef(context.Background(), "tr_none")
	require.NoError(t, err)
	require.Nil(t, missing)
}
