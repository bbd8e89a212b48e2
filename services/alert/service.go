package alert

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"artmarket-platform/pkg/db/option"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
)

// Emitter is the narrow interface detectors and handlers depend on.
type Emitter interface {
	Emit(ctx context.Context, p EmitParams) error
	EmitTx(ctx context.Context, tx *gorm.DB, p EmitParams) error
}

type EmitParams struct {
	Type       string
	Severity   string
	Title      string
	Message    string
	EntityType string
	EntityID   string
}

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	alerts repository.Repository[AdminAlert]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		alerts: repository.ProvideStore[AdminAlert](p.DB),
	}
}

func (s *Service) Emit(ctx context.Context, p EmitParams) error {
	return s.EmitTx(ctx, nil, p)
}

// EmitTx writes the alert inside the caller's transaction so the alert commits
// or rolls back together with the ledger mutation that triggered it.
func (s *Service) EmitTx(ctx context.Context, tx *gorm.DB, p EmitParams) error {
	row := &AdminAlert{
		ID:         s.node.Generate().String(),
		Type:       p.Type,
		Severity:   p.Severity,
		Title:      p.Title,
		Message:    p.Message,
		EntityType: p.EntityType,
		EntityID:   p.EntityID,
	}

	if err := s.alerts.WithTrx(tx).Create(ctx, row); err != nil {
		zap.L().Error("failed to write admin alert",
			zap.String("alert_type", p.Type),
			zap.String("entity_id", p.EntityID),
			zap.Error(err),
		)
		return err
	}

	zap.L().Info("admin alert raised",
		zap.String("alert_id", row.ID),
		zap.String("alert_type", p.Type),
		zap.String("severity", p.Severity),
		zap.String("entity_id", p.EntityID),
	)
	return nil
}

func (s *Service) Resolve(ctx context.Context, alertID string) error {
	existing, err := s.alerts.FindOne(ctx, &AdminAlert{ID: alertID})
	if err != nil {
		return err
	}
	if existing == nil {
		return errutil.NotFound("alert not found", nil)
	}
	if existing.Resolved {
		return nil
	}

	now := time.Now()
	return s.alerts.Update(ctx, alertID, map[string]any{
		"resolved":    true,
		"resolved_at": now,
		"updated_at":  now,
	})
}

type ListFilter struct {
	Severity string
	Type     string
	Resolved *bool
	Limit    int
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*AdminAlert, error) {
	query := &AdminAlert{Severity: filter.Severity, Type: filter.Type}
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	}
	if filter.Limit > 0 {
		opts = append(opts, option.WithLimit(filter.Limit))
	}
	if filter.Resolved != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "resolved",
			Operator: option.EQ,
			Value:    *filter.Resolved,
		}))
	}

	return s.alerts.Find(ctx, query, opts...)
}

// UnresolvedExists reports whether an open alert of the given type already
// targets the entity. Background scans use it to stay idempotent per entity.
func (s *Service) UnresolvedExists(ctx context.Context, alertType, entityID string) (bool, error) {
	existing, err := s.alerts.FindOne(ctx, &AdminAlert{Type: alertType, EntityID: entityID},
		option.ApplyOperator(option.Condition{
			Field:    "resolved",
			Operator: option.EQ,
			Value:    false,
		}),
	)
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}

func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	var out Summary
	rows := []struct {
		Severity string
		Total    int64
	}{}

	if err := s.db.WithContext(ctx).
		Model(&AdminAlert{}).
		Select("severity, count(*) as total").
		Where("resolved = ?", false).
		Group("severity").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	for _, r := range rows {
		out.OpenTotal += r.Total
		switch r.Severity {
		case SeverityInfo:
			out.OpenInfo = r.Total
		case SeverityWarning:
			out.OpenWarning = r.Total
		case SeverityCritical:
			out.OpenCritical = r.Total
		}
	}

	return &out, nil
}
