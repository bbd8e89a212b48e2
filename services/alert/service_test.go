package alert

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"artmarket-platform/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) *Service {
	t.Helper()

	db := testutil.NewTestDB(t, &AdminAlert{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParams{DB: db, Node: node})
}

func emit(t *testing.T, svc *Service, alertType, severity, entityID string) {
	t.Helper()
	require.NoError(t, svc.Emit(context.Background(), EmitParams{
		Type:       alertType,
		Severity:   severity,
		Title:      "test alert",
		Message:    "test message",
		EntityType: "order",
		EntityID:   entityID,
	}))
}

func TestEmitAndResolve(t *testing.T) {
	svc := newTestService(t)
	emit(t, svc, TypeDisputeOpened, SeverityCritical, "order-1")

	rows, err := svc.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.False(t, rows[0].Resolved)

	require.NoError(t, svc.Resolve(context.Background(), rows[0].ID))

	// Resolving twice is a no-op.
	require.NoError(t, svc.Resolve(context.Background(), rows[0].ID))

	rows, err = svc.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.True(t, rows[0].Resolved)
	require.NotNil(t, rows[0].ResolvedAt)
}

func TestResolveUnknownAlert(t *testing.T) {
	svc := newTestService(t)
	require.Error(t, svc.Resolve(context.Background(), "missing"))
}

func TestListFilters(t *testing.T) {
	svc := newTestService(t)
	emit(t, svc, TypeDisputeOpened, SeverityCritical, "order-1")
	emit(t, svc, TypeStaleListing, SeverityInfo, "art-1")
	emit(t, svc, TypeStaleListing, SeverityInfo, "art-2")

	rows, err := svc.List(context.Background(), ListFilter{Type: TypeStaleListing})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	rows, err = svc.List(context.Background(), ListFilter{Severity: SeverityCritical})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = svc.List(context.Background(), ListFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	resolved := false
	rows, err = svc.List(context.Background(), ListFilter{Resolved: &resolved})
	require.NoError(t, err)
	require.Len(t, rows, 3)
}

func TestUnresolvedExists(t *testing.T) {
	svc := newTestService(t)
	emit(t, svc, TypeStaleListing, SeverityInfo, "art-1")

	open, err := svc.UnresolvedExists(context.Background(), TypeStaleListing, "art-1")
	require.NoError(t, err)
	require.True(t, open)

	open, err = svc.UnresolvedExists(context.Background(), TypeStaleListing, "art-2")
	require.NoError(t, err)
	require.False(t, open)

	rows, err := svc.List(context.Background(), ListFilter{Type: TypeStaleListing})
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(context.Background(), rows[0].ID))

	open, err = svc.UnresolvedExists(context.Background(), TypeStaleListing, "art-1")
	require.NoError(t, err)
	require.False(t, open)
}

func TestSummaryCountsOpenBySeverity(t *testing.T) {
	svc := newTestService(t)
	emit(t, svc, TypeDisputeOpened, SeverityCritical, "order-1")
	emit(t, svc, TypePaymentDeviation, SeverityCritical, "order-2")
	emit(t, svc, TypePriceChangePending, SeverityWarning, "art-1")
	emit(t, svc, TypeStaleListing, SeverityInfo, "art-2")

	rows, err := svc.List(context.Background(), ListFilter{Type: TypeStaleListing})
	require.NoError(t, err)
	require.NoError(t, svc.Resolve(context.Background(), rows[0].ID))

	summary, err := svc.Summary(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 3, summary.OpenTotal)
	require.EqualValues(t, 2, summary.OpenCritical)
	require.EqualValues(t, 1, summary.OpenWarning)
	require.EqualValues(t, 0, summary.OpenInfo)
}
