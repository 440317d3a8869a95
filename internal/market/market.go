// Package market
package market

import "fmt"

// Wallet names an account that can hold quote funds.
type Wallet string

const (
	// Futures is the margin account positions trade from.
	Futures Wallet = "FUTURES"
	// Spot is the holding account rebalancing moves profit into.
	Spot Wallet = "SPOT"
)

func ParseWallet(v string) (Wallet, error) {
	switch Wallet(v) {
	case Futures, Spot:
		return Wallet(v), nil
	}
	return "", fmt.Errorf("unknown wallet %q", v)
}

// Balance represents an asset balance from an exchange
type Balance struct {
	Asset     string  `json:"asset"`     // Asset symbol (e.g., "BTC", "USDT")
	Available float64 `json:"available"` // Available balance for trading
	Locked    float64 `json:"locked"`    // Balance locked in orders
	Total     float64 `json:"total"`     // Total balance (available + locked)
}

// Find returns the balance of asset in list.
func Find(list []Balance, asset string) (Balance, bool) {
	for _, b := range list {
		if b.Asset == asset {
			return b, true
		}
	}
	return Balance{}, false
}
