package broker

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"mstock-trader/internal/models"
)

func orderBookGen() gopter.Gen {
	return gen.SliceOf(gen.Struct(reflect.TypeOf(models.Order{}), map[string]gopter.Gen{
		"Symbol":   gen.OneConstOf("RELIANCE", "TCS"),
		"Exchange": gen.Const(models.NSE),
		"Side":     gen.OneConstOf(models.OrderSideBuy, models.OrderSideSell),
		"Quantity": gen.IntRange(1, 50),
		"Status":   gen.OneConstOf("OPEN", "PENDING", "TRIGGERED", "COMPLETE", "CANCELLED", "REJECTED"),
	}))
}

func blockingOnSide(orders []models.Order, key models.Key, side models.OrderSide) (bool, int) {
	found, qty := false, 0
	for _, o := range orders {
		if o.Key() == key && o.Side == side && o.Blocking() {
			found = true
			qty += o.Quantity
		}
	}
	return found, qty
}

// Property: a new order is only ever blocked by a live order on its own side.
func TestProperty_PendingBlocksRequiresSameSideOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	key := models.NewKey("RELIANCE", models.NSE)

	properties.Property("blocked implies a blocking order on the same side", prop.ForAll(
		func(orders []models.Order, buy bool) bool {
			side := models.OrderSideSell
			if buy {
				side = models.OrderSideBuy
			}
			if !PendingBlocks(orders, key, side) {
				return true
			}
			found, _ := blockingOnSide(orders, key, side)
			return found
		},
		orderBookGen(),
		gen.Bool(),
	))

	properties.Property("balanced live orders on both sides never block", prop.ForAll(
		func(orders []models.Order) bool {
			hasBuy, buyQty := blockingOnSide(orders, key, models.OrderSideBuy)
			hasSell, sellQty := blockingOnSide(orders, key, models.OrderSideSell)
			if !hasBuy || !hasSell || buyQty != sellQty {
				return true
			}
			return !PendingBlocks(orders, key, models.OrderSideBuy) &&
				!PendingBlocks(orders, key, models.OrderSideSell)
		},
		orderBookGen(),
	))

	properties.Property("orders on other instruments are ignored", prop.ForAll(
		func(orders []models.Order, buy bool) bool {
			side := models.OrderSideSell
			if buy {
				side = models.OrderSideBuy
			}
			var own []models.Order
			for _, o := range orders {
				if o.Key() == key {
					own = append(own, o)
				}
			}
			return PendingBlocks(orders, key, side) == PendingBlocks(own, key, side)
		},
		orderBookGen(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestPendingBlocks(t *testing.T) {
	key := models.NewKey("INFY", models.NSE)
	order := func(side models.OrderSide, qty int, status string) models.Order {
		return models.Order{Symbol: "INFY", Exchange: models.NSE, Side: side, Quantity: qty, Status: status}
	}

	tests := []struct {
		name   string
		orders []models.Order
		side   models.OrderSide
		want   bool
	}{
		{"empty book", nil, models.OrderSideBuy, false},
		{"open buy blocks buy", []models.Order{order(models.OrderSideBuy, 5, "OPEN")}, models.OrderSideBuy, true},
		{"open buy leaves sell free", []models.Order{order(models.OrderSideBuy, 5, "OPEN")}, models.OrderSideSell, false},
		{"lower-case status still blocks", []models.Order{order(models.OrderSideSell, 5, "pending")}, models.OrderSideSell, true},
		{"filled order does not block", []models.Order{order(models.OrderSideBuy, 5, "COMPLETE")}, models.OrderSideBuy, false},
		{"equal grid frees both sides", []models.Order{
			order(models.OrderSideBuy, 5, "OPEN"),
			order(models.OrderSideSell, 3, "OPEN"),
			order(models.OrderSideSell, 2, "TRIGGERED"),
		}, models.OrderSideBuy, false},
		{"unequal grid blocks", []models.Order{
			order(models.OrderSideBuy, 5, "OPEN"),
			order(models.OrderSideSell, 4, "OPEN"),
		}, models.OrderSideSell, true},
		{"other symbol ignored", []models.Order{
			{Symbol: "TCS", Exchange: models.NSE, Side: models.OrderSideBuy, Quantity: 1, Status: "OPEN"},
		}, models.OrderSideBuy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PendingBlocks(tt.orders, key, tt.side); got != tt.want {
				t.Errorf("PendingBlocks() = %v, want %v", got, tt.want)
			}
		})
	}
}
