package models

// Source says who owns a position row and therefore who manages it.
type Source int

const (
	SourceManual Source = iota
	SourceBot
	SourceBotSettling
	SourceButler
)

// String returns the tag used in logs, state snapshots and the dashboard.
func (s Source) String() string {
	switch s {
	case SourceBot:
		return "BOT"
	case SourceBotSettling:
		return "BOT(SETTLING)"
	case SourceButler:
		return "BUTLER"
	default:
		return "MANUAL"
	}
}

// ParseSource is the inverse of String. Unknown tags are MANUAL.
func ParseSource(s string) Source {
	switch s {
	case "BOT":
		return SourceBot
	case "BOT(SETTLING)":
		return SourceBotSettling
	case "BUTLER":
		return SourceButler
	default:
		return SourceManual
	}
}

// Managed reports whether the risk supervisor may act on the row.
func (s Source) Managed() bool {
	return s != SourceManual
}

// BotOwned reports whether the position was opened by the engine.
func (s Source) BotOwned() bool {
	return s == SourceBot || s == SourceBotSettling
}

// MarshalText lets Source be used as a JSON value and map key.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a source tag.
func (s *Source) UnmarshalText(b []byte) error {
	*s = ParseSource(string(b))
	return nil
}

// Position is a merged view row keyed by instrument.
type Position struct {
	Key          Key     `json:"key"`
	Quantity     int     `json:"qty"`
	AveragePrice float64 `json:"avg_price"`
	LTP          float64 `json:"ltp"`
	PnL          float64 `json:"pnl"`
	Source       Source  `json:"source"`
}

// CostBasis is quantity times entry price.
func (p Position) CostBasis() float64 {
	return float64(p.Quantity) * p.AveragePrice
}

// PnLPercent is the unrealised return at price against the entry price.
func (p Position) PnLPercent(price float64) float64 {
	if p.AveragePrice <= 0 {
		return 0
	}
	return (price - p.AveragePrice) / p.AveragePrice * 100
}

// OpenPosition is a Trade Store aggregate row.
type OpenPosition struct {
	Symbol        string
	Exchange      Exchange
	NetQuantity   int
	AvgEntryPrice float64
	TotalInvested float64
}

// Key returns the instrument key of the row.
func (o OpenPosition) Key() Key {
	return NewKey(o.Symbol, o.Exchange)
}
