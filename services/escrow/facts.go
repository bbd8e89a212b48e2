package escrow

import (
	"context"

	"gorm.io/gorm"

	"artmarket-platform/pkg/repository"
)

// OrderFacts answers the payout workflow's questions about escrow state
// without pulling the full service into its dependency graph.
type OrderFacts struct {
	orders repository.Repository[Order]
}

func NewOrderFacts(db *gorm.DB) *OrderFacts {
	return &OrderFacts{orders: repository.ProvideStore[Order](db)}
}

func (f *OrderFacts) EscrowHeld(ctx context.Context, orderID string) (bool, error) {
	order, err := f.orders.FindOne(ctx, &Order{ID: orderID})
	if err != nil {
		return false, err
	}
	return order != nil && order.EscrowStatus == EscrowHeld, nil
}
