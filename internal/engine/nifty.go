package engine

// nifty50 lists the index constituents used by the nifty_50_only filter.
var nifty50 = map[string]bool{
	"ADANIENT": true, "ADANIPORTS": true, "APOLLOHOSP": true, "ASIANPAINT": true,
	"AXISBANK": true, "BAJAJ-AUTO": true, "BAJFINANCE": true, "BAJAJFINSV": true,
	"BPCL": true, "BHARTIARTL": true, "BRITANNIA": true, "CIPLA": true,
	"COALINDIA": true, "DIVISLAB": true, "DRREDDY": true, "EICHERMOT": true,
	"GRASIM": true, "HCLTECH": true, "HDFCBANK": true, "HDFCLIFE": true,
	"HEROMOTOCO": true, "HINDALCO": true, "HINDUNILVR": true, "ICICIBANK": true,
	"ITC": true, "INDUSINDBK": true, "INFY": true, "JSWSTEEL": true,
	"KOTAKBANK": true, "LTIM": true, "LT": true, "M&M": true,
	"MARUTI": true, "NTPC": true, "NESTLEIND": true, "ONGC": true,
	"POWERGRID": true, "RELIANCE": true, "SBILIFE": true, "SBIN": true,
	"SUNPHARMA": true, "TCS": true, "TATACONSUM": true, "TATAMOTORS": true,
	"TATASTEEL": true, "TECHM": true, "TITAN": true, "UPL": true,
	"ULTRACEMCO": true, "WIPRO": true,
}

// InNifty50 reports whether symbol is an index constituent.
func InNifty50(symbol string) bool {
	return nifty50[symbol]
}
