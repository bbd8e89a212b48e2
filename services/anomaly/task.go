package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"artmarket-platform/pkg/db/option"
	"artmarket-platform/pkg/taskname"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/escrow"
)

func NewScanStaleListingsTask() *asynq.Task {
	return asynq.NewTask(taskname.AnomalyScanStaleListings, nil, asynq.Queue("low"))
}

func NewScanUnusualRemovalsTask() *asynq.Task {
	return asynq.NewTask(taskname.AnomalyScanUnusualRemovals, nil, asynq.Queue("low"))
}

// HandleScanStaleListings flags available listings that have sat unsold past
// the configured age. One open alert per artwork; a resolved alert lets the
// next scan flag the listing again.
func (s *Service) HandleScanStaleListings(ctx context.Context, t *asynq.Task) error {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.Anomaly.StaleListingDays)

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.Time("cutoff", cutoff),
	)
	zapLog.Info("start stale listing scan")

	stale, err := s.artworks.Find(ctx, &artwork.Artwork{Status: artwork.StatusAvailable},
		option.ApplyOperator(option.Condition{
			Field:    "listed_at",
			Operator: option.LTE,
			Value:    cutoff,
		}),
	)
	if err != nil {
		return err
	}

	var flagged int
	for _, art := range stale {
		open, err := s.alertSvc.UnresolvedExists(ctx, alert.TypeStaleListing, art.ID)
		if err != nil {
			return err
		}
		if open {
			continue
		}

		if err := s.alerts.Emit(ctx, alert.EmitParams{
			Type:     alert.TypeStaleListing,
			Severity: alert.SeverityInfo,
			Title:    "stale listing",
			Message: fmt.Sprintf("artwork %s has been listed without a sale since %s",
				art.ID, art.ListedAt.Format(time.RFC3339)),
			EntityType: "artwork",
			EntityID:   art.ID,
		}); err != nil {
			return err
		}
		flagged++
	}

	zapLog.Info("stale listing scan finished",
		zap.Int("candidates", len(stale)),
		zap.Int("flagged", flagged),
	)
	return nil
}

// removalLookback bounds how far back the removal scan re-reads; the scan
// runs daily so a week covers missed runs.
const removalLookback = 7 * 24 * time.Hour

// priceChangeProximity is how close a price change must be to the removal to
// count as suspicious.
const priceChangeProximity = 48 * time.Hour

// HandleScanUnusualRemovals flags recently removed listings where the removal
// looks evasive: the price moved shortly before, or a buyer still has a
// pending order against the artwork.
func (s *Service) HandleScanUnusualRemovals(ctx context.Context, t *asynq.Task) error {
	cutoff := time.Now().Add(-removalLookback)

	zapLog := zap.L().With(
		zap.String("task_type", t.Type()),
		zap.Time("cutoff", cutoff),
	)
	zapLog.Info("start unusual removal scan")

	removed, err := s.artworks.Find(ctx, &artwork.Artwork{Status: artwork.StatusRemoved},
		option.ApplyOperator(option.Condition{
			Field:    "removed_at",
			Operator: option.GTE,
			Value:    cutoff,
		}),
	)
	if err != nil {
		return err
	}

	var flagged int
	for _, art := range removed {
		if art.RemovedAt == nil {
			continue
		}

		open, err := s.alertSvc.UnresolvedExists(ctx, alert.TypeUnusualRemoval, art.ID)
		if err != nil {
			return err
		}
		if open {
			continue
		}

		reason, err := s.removalSuspicion(ctx, art)
		if err != nil {
			return err
		}
		if reason == "" {
			continue
		}

		if err := s.alerts.Emit(ctx, alert.EmitParams{
			Type:       alert.TypeUnusualRemoval,
			Severity:   alert.SeverityWarning,
			Title:      "unusual listing removal",
			Message:    fmt.Sprintf("artwork %s removed: %s", art.ID, reason),
			EntityType: "artwork",
			EntityID:   art.ID,
		}); err != nil {
			return err
		}
		flagged++
	}

	zapLog.Info("unusual removal scan finished",
		zap.Int("candidates", len(removed)),
		zap.Int("flagged", flagged),
	)
	return nil
}

// removalSuspicion returns a non-empty reason when the removal matches one of
// the evasion patterns, empty when the removal looks ordinary.
func (s *Service) removalSuspicion(ctx context.Context, art *artwork.Artwork) (string, error) {
	changes, err := s.approvals.Count(ctx, &PriceApproval{ArtworkID: art.ID},
		option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    art.RemovedAt.Add(-priceChangeProximity),
		}),
	)
	if err != nil {
		return "", err
	}
	if changes > 0 {
		return "price changed within 48h before removal", nil
	}

	pending, err := s.orders.Count(ctx, &escrow.Order{
		ArtworkID: art.ID,
		Status:    escrow.OrderStatusPending,
	})
	if err != nil {
		return "", err
	}
	if pending > 0 {
		return "a pending order still references the listing", nil
	}

	return "", nil
}
