package store

import (
	"sort"

	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

type lot struct {
	qty   int
	price float64
}

// lotBook replays fills per instrument. SELLs consume the oldest BUY lots
// first, so the remaining lots give the quantity-weighted entry price of
// what is still held.
type lotBook struct {
	order []models.Key
	lots  map[models.Key][]lot
}

func newLotBook() *lotBook {
	return &lotBook{lots: make(map[models.Key][]lot)}
}

func (b *lotBook) apply(key models.Key, side models.OrderSide, qty int, price float64) {
	if _, ok := b.lots[key]; !ok {
		b.order = append(b.order, key)
		b.lots[key] = nil
	}
	if side == models.OrderSideBuy {
		b.lots[key] = append(b.lots[key], lot{qty: qty, price: price})
		return
	}

	remaining := qty
	lots := b.lots[key]
	for remaining > 0 && len(lots) > 0 {
		if lots[0].qty <= remaining {
			remaining -= lots[0].qty
			lots = lots[1:]
			continue
		}
		lots[0].qty -= remaining
		remaining = 0
	}
	b.lots[key] = lots
}

func (b *lotBook) open() []models.OpenPosition {
	var out []models.OpenPosition
	for _, key := range b.order {
		var qty int
		var invested float64
		for _, l := range b.lots[key] {
			qty += l.qty
			invested += float64(l.qty) * l.price
		}
		if qty <= 0 {
			continue
		}
		out = append(out, models.OpenPosition{
			Symbol:        key.Symbol,
			Exchange:      key.Exchange,
			NetQuantity:   qty,
			AvgEntryPrice: utils.Round2(invested / float64(qty)),
			TotalInvested: utils.Round2(invested),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Exchange < out[j].Exchange
	})
	return out
}
