package broker

import (
	"strings"

	"mstock-trader/internal/models"
)

// PendingBlocks applies the pending-order gate to an order book. An open,
// pending, or triggered order on the same side blocks a new one, except
// when both sides have blocking orders of equal total quantity; that
// pattern is a manual grid and leaves both sides free.
func PendingBlocks(orders []models.Order, key models.Key, side models.OrderSide) bool {
	var buyQty, sellQty int
	var hasBuy, hasSell bool

	for _, o := range orders {
		if o.Key() != key || !o.Blocking() {
			continue
		}
		switch models.OrderSide(strings.ToUpper(string(o.Side))) {
		case models.OrderSideBuy:
			hasBuy = true
			buyQty += o.Quantity
		case models.OrderSideSell:
			hasSell = true
			sellQty += o.Quantity
		}
	}

	if hasBuy && hasSell && buyQty == sellQty {
		return false
	}
	if side == models.OrderSideBuy {
		return hasBuy
	}
	return hasSell
}
