package instruments

// lighterMarkets maps Lighter market ids to the Hyperliquid coin code they trade.
// Lighter lists a few of these with a "1000" prefix (1000PEPE, 1000SHIB, 1000BONK,
// 1000FLOKI, 1000TOSHI); they are normalized to the bare coin here.
var lighterMarkets = map[int]string{
	0: "ETH", 1: "BTC", 2: "SOL", 3: "DOGE", 4: "PEPE", 5: "WIF",
	6: "WLD", 7: "XRP", 8: "LINK", 9: "AVAX", 10: "NEAR", 11: "DOT",
	12: "TON", 13: "TAO", 14: "POL", 15: "TRUMP", 16: "SUI", 17: "SHIB",
	18: "BONK", 19: "FLOKI", 20: "BERA", 21: "FARTCOIN", 22: "AI16Z", 23: "POPCAT",
	24: "HYPE", 25: "BNB", 26: "JUP", 27: "AAVE", 28: "MKR", 29: "ENA",
	30: "UNI", 31: "APT", 32: "SEI", 33: "KAITO", 34: "IP", 35: "LTC",
	36: "CRV", 37: "PENDLE", 38: "ONDO", 39: "ADA", 40: "S", 41: "VIRTUAL",
	42: "SPX", 43: "TRX", 44: "SYRUP", 45: "PUMP", 46: "LDO", 47: "PENGU",
	48: "PAXG", 49: "EIGEN", 50: "ARB", 51: "RESOLV", 52: "GRASS", 53: "ZORA",
	54: "LAUNCHCOIN", 55: "OP", 56: "ZK", 57: "PROVE", 58: "BCH", 59: "HBAR",
	60: "ZRO", 61: "GMX", 62: "DYDX", 63: "MNT", 64: "ETHFI", 65: "AERO",
	66: "USELESS", 67: "TIA", 68: "MORPHO", 69: "VVV", 70: "YZY", 71: "XPL",
	72: "WLFI", 73: "CRO", 74: "NMR", 75: "DOLO", 76: "LINEA", 77: "XMR",
	78: "PYTH", 79: "SKY", 80: "MYX", 81: "TOSHI", 82: "AVNT", 83: "ASTER",
	84: "0G", 85: "STBL", 86: "APEX", 87: "FF",
}

// CatalogCoin returns the coin code for a Lighter market id.
func CatalogCoin(marketID int) (string, bool) {
	coin, ok := lighterMarkets[marketID]
	return coin, ok
}

// DefaultInstruments returns the catalogue as an ordered instrument list.
func DefaultInstruments() []Instrument {
	out := make([]Instrument, 0, len(lighterMarkets))
	for id := 0; id < len(lighterMarkets); id++ {
		coin, ok := lighterMarkets[id]
		if !ok {
			continue
		}
		out = append(out, NewInstrument(coin, id))
	}
	return out
}
