package config

import (
	"os"
	"strings"

	"github.com/gocarina/gocsv"

	"mstock-trader/internal/models"
)

// csvRow is one line of the legacy config_table.csv.
type csvRow struct {
	Symbol          string  `csv:"Symbol"`
	Exchange        string  `csv:"Exchange"`
	Enabled         string  `csv:"Enabled"`
	Strategy        string  `csv:"Strategy"`
	Timeframe       string  `csv:"Timeframe"`
	BuyRSI          float64 `csv:"Buy RSI"`
	SellRSI         float64 `csv:"Sell RSI"`
	Quantity        int     `csv:"Quantity"`
	ProfitTargetPct float64 `csv:"Profit Target %"`
	IgnoreRSI       string  `csv:"Ignore RSI"`
}

func (r csvRow) toConfig() (models.StockConfig, error) {
	tf := models.TF15m
	if strings.TrimSpace(r.Timeframe) != "" {
		parsed, err := models.ParseTimeframe(r.Timeframe)
		if err != nil {
			return models.StockConfig{}, err
		}
		tf = parsed
	}
	buy, sell := r.BuyRSI, r.SellRSI
	if buy == 0 && sell == 0 {
		buy, sell = 30, 70
	}
	return models.StockConfig{
		Symbol:          strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Exchange:        models.ParseExchange(r.Exchange),
		Enabled:         strings.EqualFold(strings.TrimSpace(r.Enabled), "true"),
		Strategy:        models.ParseStrategy(r.Strategy),
		Timeframe:       tf,
		BuyRSI:          buy,
		SellRSI:         sell,
		IgnoreRSI:       strings.EqualFold(strings.TrimSpace(r.IgnoreRSI), "true"),
		FixedQuantity:   r.Quantity,
		ProfitTargetPct: r.ProfitTargetPct,
	}, nil
}

// StockConfigs returns the tracked instruments in file order: settings.json
// entries first, then config_table.csv rows for keys not already listed.
// Duplicate keys keep their first occurrence.
func (p *Provider) StockConfigs() []models.StockConfig {
	snap := p.Snapshot()

	seen := make(map[models.Key]bool)
	var out []models.StockConfig
	add := func(sc models.StockConfig, origin string) {
		sc.Symbol = strings.ToUpper(strings.TrimSpace(sc.Symbol))
		sc.Exchange = models.ParseExchange(string(sc.Exchange))
		sc.Strategy = models.ParseStrategy(string(sc.Strategy))
		if sc.Timeframe == "" {
			sc.Timeframe = models.TF15m
		}
		if sc.Symbol == "" {
			return
		}
		k := sc.Key()
		if seen[k] {
			p.logger.Warn().Str("instrument", k.String()).Str("origin", origin).Msg("Duplicate stock config ignored")
			return
		}
		seen[k] = true
		out = append(out, sc)
	}

	for _, sc := range snap.Stocks {
		add(sc, "settings")
	}
	for _, sc := range p.csvConfigs(snap.App.ConfigTable) {
		add(sc, "csv")
	}
	return out
}

func (p *Provider) csvConfigs(path string) []models.StockConfig {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var rows []csvRow
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Config table unreadable")
		return nil
	}

	configs := make([]models.StockConfig, 0, len(rows))
	for _, r := range rows {
		sc, err := r.toConfig()
		if err != nil {
			p.logger.Warn().Err(err).Str("symbol", r.Symbol).Msg("Config table row skipped")
			continue
		}
		configs = append(configs, sc)
	}
	return configs
}

// ManagedConfig builds the synthetic config used for a Butler holding: it
// never buys, sells on RSI 70, and takes the global profit target.
func (p *Provider) ManagedConfig(key models.Key) models.StockConfig {
	snap := p.Snapshot()
	return models.StockConfig{
		Symbol:          key.Symbol,
		Exchange:        key.Exchange,
		Enabled:         true,
		Strategy:        models.StrategyTrade,
		Timeframe:       models.TF15m,
		BuyRSI:          0,
		SellRSI:         70,
		ProfitTargetPct: snap.Risk.ProfitTargetPct,
		Managed:         true,
	}
}

// WatchedManualKeys returns the watch list as NSE keys unless qualified
// with an exchange prefix (BSE:SYMBOL).
func (p *Provider) WatchedManualKeys() []models.Key {
	var keys []models.Key
	for _, s := range p.Snapshot().App.WatchedManualPositions {
		if k, err := models.ParseKey(s); err == nil {
			keys = append(keys, k)
			continue
		}
		if sym := strings.TrimSpace(s); sym != "" {
			keys = append(keys, models.NewKey(sym, models.NSE))
		}
	}
	return keys
}
