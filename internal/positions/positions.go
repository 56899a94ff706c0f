// Package positions builds the merged position view the engine trades on.
//
// The broker reports a delivery position in up to three places depending on
// how old it is: yesterday's holdings, today's intraday net positions, and
// today's executed orders. Positions the engine bought on a previous day can
// also be missing from all three while the exchange settles them. Merge
// folds these sources into one row per instrument and tags each row with
// who owns it.
package positions

import (
	"sort"

	"mstock-trader/internal/models"
)

// Inputs are the raw feeds for one merge.
type Inputs struct {
	Holdings    []models.Holding
	Intraday    []models.IntradayPosition
	OrdersToday []models.Order
	// StoreOpens are the engine's open positions from the trade store.
	StoreOpens []models.OpenPosition
	// Managed holds the manual positions the user handed to the engine.
	Managed map[models.Key]bool
}

type row struct {
	models.Position
	fromFeed bool
}

// Merge combines the feeds into one row per instrument. Rows whose
// quantity nets to zero or below are dropped. The result depends only on
// in.
func Merge(in Inputs) map[models.Key]models.Position {
	opens := make(map[models.Key]models.OpenPosition, len(in.StoreOpens))
	for _, o := range in.StoreOpens {
		if o.NetQuantity > 0 {
			opens[o.Key()] = o
		}
	}
	tag := func(k models.Key) models.Source {
		if _, ok := opens[k]; ok {
			return models.SourceBot
		}
		if in.Managed[k] {
			return models.SourceButler
		}
		return models.SourceManual
	}

	rows := make(map[models.Key]*row)

	for _, h := range in.Holdings {
		if h.Quantity <= 0 {
			continue
		}
		k := models.NewKey(h.Symbol, h.Exchange)
		rows[k] = &row{Position: models.Position{
			Key:          k,
			Quantity:     h.Quantity,
			AveragePrice: h.AveragePrice,
			LTP:          h.LTP,
			PnL:          h.PnL,
			Source:       tag(k),
		}}
	}

	// The intraday feed carries today's net change, so it is added onto
	// yesterday's holding rather than replacing it.
	inFeed := make(map[models.Key]bool, len(in.Intraday))
	for _, p := range in.Intraday {
		if p.Quantity == 0 {
			continue
		}
		k := models.NewKey(p.Symbol, p.Exchange)
		inFeed[k] = true
		r, ok := rows[k]
		if !ok {
			rows[k] = &row{Position: models.Position{
				Key:          k,
				Quantity:     p.Quantity,
				AveragePrice: p.AveragePrice,
				LTP:          p.LTP,
				PnL:          p.PnL,
				Source:       tag(k),
			}}
			continue
		}
		if p.Quantity > 0 {
			r.AveragePrice = weighted(r.Quantity, r.AveragePrice, p.Quantity, p.AveragePrice)
		}
		r.Quantity += p.Quantity
		if p.LTP > 0 {
			r.LTP = p.LTP
		}
		r.fromFeed = true
	}

	orders := append([]models.Order(nil), in.OrdersToday...)
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].PlacedAt.Before(orders[j].PlacedAt) })
	for _, o := range orders {
		k := o.Key()
		if !o.Executed() || o.Quantity <= 0 || inFeed[k] {
			continue
		}
		r, ok := rows[k]
		if !ok {
			r = &row{Position: models.Position{Key: k, Source: tag(k), LTP: o.Price}}
			rows[k] = r
		}
		switch o.Side {
		case models.OrderSideBuy:
			r.AveragePrice = weighted(r.Quantity, r.AveragePrice, o.Quantity, o.Price)
			r.Quantity += o.Quantity
		case models.OrderSideSell:
			r.Quantity -= o.Quantity
		}
		if r.LTP <= 0 {
			r.LTP = o.Price
		}
		r.fromFeed = true
	}

	for k, o := range opens {
		if _, ok := rows[k]; ok {
			continue
		}
		rows[k] = &row{Position: models.Position{
			Key:          k,
			Quantity:     o.NetQuantity,
			AveragePrice: o.AvgEntryPrice,
			LTP:          o.AvgEntryPrice,
			Source:       models.SourceBotSettling,
		}}
	}

	out := make(map[models.Key]models.Position, len(rows))
	for k, r := range rows {
		if r.Quantity <= 0 {
			continue
		}
		if r.fromFeed && r.LTP > 0 {
			r.PnL = (r.LTP - r.AveragePrice) * float64(r.Quantity)
		}
		out[k] = r.Position
	}
	return out
}

func weighted(q1 int, p1 float64, q2 int, p2 float64) float64 {
	if q1 <= 0 {
		return p2
	}
	return (float64(q1)*p1 + float64(q2)*p2) / float64(q1+q2)
}

// Sorted returns the rows ordered by exchange then symbol.
func Sorted(view map[models.Key]models.Position) []models.Position {
	out := make([]models.Position, 0, len(view))
	for _, p := range view {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key, out[j].Key) })
	return out
}

// SortKeys orders keys in place by exchange then symbol and returns them.
func SortKeys(keys []models.Key) []models.Key {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	return keys
}

func keyLess(a, b models.Key) bool {
	if a.Exchange != b.Exchange {
		return a.Exchange < b.Exchange
	}
	return a.Symbol < b.Symbol
}

// Managed returns the rows the risk supervisor may act on.
func Managed(view map[models.Key]models.Position) []models.Position {
	var out []models.Position
	for _, p := range Sorted(view) {
		if p.Source.Managed() {
			out = append(out, p)
		}
	}
	return out
}

// Exposure is the cost basis of the engine-owned rows.
func Exposure(view map[models.Key]models.Position) float64 {
	var total float64
	for _, p := range view {
		if p.Source.BotOwned() {
			total += p.CostBasis()
		}
	}
	return total
}

// UnrealizedPnL sums the open profit of the managed rows at the given
// prices, falling back to each row's own last price.
func UnrealizedPnL(view map[models.Key]models.Position, ltps map[models.Key]float64) float64 {
	var total float64
	for k, p := range view {
		if !p.Source.Managed() {
			continue
		}
		price := p.LTP
		if v, ok := ltps[k]; ok && v > 0 {
			price = v
		}
		total += (price - p.AveragePrice) * float64(p.Quantity)
	}
	return total
}
