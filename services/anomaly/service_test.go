package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/escrow"
	"artmarket-platform/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&PaymentDeviation{}, &PriceApproval{},
		&artwork.Artwork{}, &escrow.Order{}, &alert.AdminAlert{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	alertSvc := alert.NewService(alert.ServiceParams{DB: db, Node: node})
	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Alerts:   alertSvc,
		AlertSvc: alertSvc,
		Artwork:  artwork.NewService(artwork.ServiceParams{DB: db}),
	})
	return svc, db
}

func seedArtwork(t *testing.T, db *gorm.DB, id string, price int64, status string, listedAt time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&artwork.Artwork{
		ID:       id,
		SellerID: "seller-1",
		Price:    price,
		Currency: "usd",
		Status:   status,
		ListedAt: listedAt,
	}).Error)
}

func alertCount(t *testing.T, db *gorm.DB, alertType string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&alert.AdminAlert{}).
		Where("type = ?", alertType).Count(&count).Error)
	return count
}

func requireStatusCode(t *testing.T, err error, want errutil.CoreStatus) {
	t.Helper()

	var base errutil.BaseError
	require.True(t, errors.As(err, &base), "expected BaseError, got %v", err)
	require.Equal(t, want, base.Status())
}

func TestDeviationPct(t *testing.T) {
	require.Equal(t, 0.0, DeviationPct(0, 500))
	require.Equal(t, 0.0, DeviationPct(10000, 10000))
	require.Equal(t, 50.0, DeviationPct(10000, 15000))
	require.Equal(t, -30.0, DeviationPct(10000, 7000))
}

func TestCheckPaymentDeviationBelowThreshold(t *testing.T) {
	svc, db := newTestService(t)

	// 20% is the default threshold; an exact-threshold payment passes.
	row, err := svc.CheckPaymentDeviation(context.Background(), DeviationParams{
		OrderID:     "order-1",
		ArtworkID:   "art-1",
		ListedPrice: 10000,
		PaidPrice:   12000,
	})
	require.NoError(t, err)
	require.Nil(t, row)
	require.EqualValues(t, 0, alertCount(t, db, alert.TypePaymentDeviation))
}

func TestCheckPaymentDeviationOpensOnce(t *testing.T) {
	svc, db := newTestService(t)

	params := DeviationParams{
		OrderID:     "order-1",
		ArtworkID:   "art-1",
		ListedPrice: 10000,
		PaidPrice:   5000,
	}

	row, err := svc.CheckPaymentDeviation(context.Background(), params)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, ApprovalPending, row.ApprovalStatus)
	require.Equal(t, -50.0, row.DeviationPct)
	require.EqualValues(t, 1, alertCount(t, db, alert.TypePaymentDeviation))

	// Re-screening the same order returns the open row instead of stacking.
	again, err := svc.CheckPaymentDeviation(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, row.ID, again.ID)
	require.EqualValues(t, 1, alertCount(t, db, alert.TypePaymentDeviation))

	blocked, err := svc.HasBlockingDeviation(context.Background(), "order-1")
	require.NoError(t, err)
	require.True(t, blocked)
}

func TestResolveDeviationLiftsGate(t *testing.T) {
	svc, _ := newTestService(t)

	row, err := svc.CheckPaymentDeviation(context.Background(), DeviationParams{
		OrderID:     "order-1",
		ListedPrice: 10000,
		PaidPrice:   15000,
	})
	require.NoError(t, err)

	resolved, err := svc.ResolveDeviation(context.Background(), row.ID, "admin-1", true)
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, resolved.ApprovalStatus)
	require.Equal(t, "admin-1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	blocked, err := svc.HasBlockingDeviation(context.Background(), "order-1")
	require.NoError(t, err)
	require.False(t, blocked)

	_, err = svc.ResolveDeviation(context.Background(), row.ID, "admin-2", false)
	requireStatusCode(t, err, errutil.StatusConflict)
}

func TestProposePriceChangeSmallAppliesImmediately(t *testing.T) {
	svc, db := newTestService(t)
	seedArtwork(t, db, "art-1", 10000, artwork.StatusAvailable, time.Now())

	row, err := svc.ProposePriceChange(context.Background(), "art-1", "seller-1", 11000)
	require.NoError(t, err)
	require.False(t, row.RequiresApproval)
	require.Equal(t, ApprovalApproved, row.ApprovalStatus)

	art, err := svc.artworkSvc.Get(context.Background(), "art-1")
	require.NoError(t, err)
	require.Equal(t, int64(11000), art.Price)
}

func TestProposePriceChangeLargeIsGated(t *testing.T) {
	svc, db := newTestService(t)
	seedArtwork(t, db, "art-1", 10000, artwork.StatusAvailable, time.Now())

	row, err := svc.ProposePriceChange(context.Background(), "art-1", "seller-1", 20000)
	require.NoError(t, err)
	require.True(t, row.RequiresApproval)
	require.Equal(t, ApprovalPending, row.ApprovalStatus)
	require.True(t, row.SellerApproved)
	require.False(t, row.BuyerApproved)
	require.EqualValues(t, 1, alertCount(t, db, alert.TypePriceChangePending))

	// The listing keeps serving the old price while pending.
	art, err := svc.artworkSvc.Get(context.Background(), "art-1")
	require.NoError(t, err)
	require.Equal(t, int64(10000), art.Price)

	// The buyer's approval is the missing half; it applies the change.
	approved, err := svc.ApprovePriceChange(context.Background(), row.ID, ActorBuyer)
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, approved.ApprovalStatus)

	art, err = svc.artworkSvc.Get(context.Background(), "art-1")
	require.NoError(t, err)
	require.Equal(t, int64(20000), art.Price)
}

func TestRejectPriceChangeKeepsOldPrice(t *testing.T) {
	svc, db := newTestService(t)
	seedArtwork(t, db, "art-1", 10000, artwork.StatusAvailable, time.Now())

	row, err := svc.ProposePriceChange(context.Background(), "art-1", "seller-1", 30000)
	require.NoError(t, err)

	rejected, err := svc.RejectPriceChange(context.Background(), row.ID)
	require.NoError(t, err)
	require.Equal(t, ApprovalRejected, rejected.ApprovalStatus)

	art, err := svc.artworkSvc.Get(context.Background(), "art-1")
	require.NoError(t, err)
	require.Equal(t, int64(10000), art.Price)

	_, err = svc.ApprovePriceChange(context.Background(), row.ID, ActorBuyer)
	requireStatusCode(t, err, errutil.StatusConflict)
}

func TestProposePriceChangeValidations(t *testing.T) {
	svc, db := newTestService(t)
	seedArtwork(t, db, "art-1", 10000, artwork.StatusRemoved, time.Now())

	_, err := svc.ProposePriceChange(context.Background(), "art-1", "seller-1", 0)
	requireStatusCode(t, err, errutil.StatusValidationFailed)

	_, err = svc.ProposePriceChange(context.Background(), "art-1", "intruder", 11000)
	requireStatusCode(t, err, errutil.StatusForbidden)

	_, err = svc.ProposePriceChange(context.Background(), "art-1", "seller-1", 11000)
	requireStatusCode(t, err, errutil.StatusUnprocessableEntity)
}

func TestCounts(t *testing.T) {
	svc, db := newTestService(t)
	seedArtwork(t, db, "art-1", 10000, artwork.StatusAvailable, time.Now())

	_, err := svc.CheckPaymentDeviation(context.Background(), DeviationParams{
		OrderID: "order-1", ListedPrice: 10000, PaidPrice: 20000,
	})
	require.NoError(t, err)
	_, err = svc.ProposePriceChange(context.Background(), "art-1", "seller-1", 20000)
	require.NoError(t, err)

	counts, err := svc.Counts(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.OpenDeviations)
	require.EqualValues(t, 1, counts.PendingPriceApprovals)
}

func TestScanStaleListingsFlagsOncePerOpenAlert(t *testing.T) {
	svc, db := newTestService(t)
	seedArtwork(t, db, "art-old", 10000, artwork.StatusAvailable, time.Now().AddDate(0, 0, -120))
	seedArtwork(t, db, "art-new", 10000, artwork.StatusAvailable, time.Now().AddDate(0, 0, -10))
	seedArtwork(t, db, "art-sold", 10000, artwork.StatusSold, time.Now().AddDate(0, 0, -120))

	task := NewScanStaleListingsTask()
	require.NoError(t, svc.HandleScanStaleListings(context.Background(), task))
	require.EqualValues(t, 1, alertCount(t, db, alert.TypeStaleListing))

	// While the alert stays open, the next scan skips the listing.
	require.NoError(t, svc.HandleScanStaleListings(context.Background(), task))
	require.EqualValues(t, 1, alertCount(t, db, alert.TypeStaleListing))
}

func TestScanUnusualRemovals(t *testing.T) {
	svc, db := newTestService(t)

	removedAt := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.Create(&artwork.Artwork{
		ID:        "art-1",
		SellerID:  "seller-1",
		Price:     10000,
		Status:    artwork.StatusRemoved,
		ListedAt:  time.Now().AddDate(0, 0, -30),
		RemovedAt: &removedAt,
	}).Error)

	// An ordinary removal raises nothing.
	task := NewScanUnusualRemovalsTask()
	require.NoError(t, svc.HandleScanUnusualRemovals(context.Background(), task))
	require.EqualValues(t, 0, alertCount(t, db, alert.TypeUnusualRemoval))

	// A pending order against the removed listing makes it suspicious.
	require.NoError(t, db.Create(&escrow.Order{
		ID:        "order-1",
		ArtworkID: "art-1",
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Amount:    10000,
		Status:    escrow.OrderStatusPending,
	}).Error)

	require.NoError(t, svc.HandleScanUnusualRemovals(context.Background(), task))
	require.EqualValues(t, 1, alertCount(t, db, alert.TypeUnusualRemoval))
}

func TestRemovalSuspicionOnRecentPriceChange(t *testing.T) {
	svc, db := newTestService(t)

	removedAt := time.Now()
	art := &artwork.Artwork{
		ID:        "art-1",
		SellerID:  "seller-1",
		Price:     10000,
		Status:    artwork.StatusRemoved,
		ListedAt:  time.Now().AddDate(0, 0, -30),
		RemovedAt: &removedAt,
	}
	require.NoError(t, db.Create(art).Error)
	require.NoError(t, db.Create(&PriceApproval{
		ID:        "pa-1",
		ArtworkID: "art-1",
		OldPrice:  10000,
		NewPrice:  30000,
		CreatedAt: time.Now().Add(-1 * time.Hour),
	}).Error)

	reason, err := svc.removalSuspicion(context.Background(), art)
	require.NoError(t, err)
	require.NotEmpty(t, reason)
}
