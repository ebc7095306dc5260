package accounts

import (
	"fmt"

	"github.com/knadh/phoneverify/pkg/models"
)

// Selection strategies.
const (
	StrategyLRU     = "lru"
	StrategyPrimary = "primary"
)

// Selector picks the next account to send through from a list of usable
// accounts in configuration order. It returns false if none of them fit.
type Selector interface {
	Select(accs []models.Account) (models.Account, bool)
}

// NewSelector returns the Selector for a strategy name.
func NewSelector(strategy string) (Selector, error) {
	switch strategy {
	case "", StrategyLRU:
		return LRU{}, nil
	case StrategyPrimary:
		return Primary{}, nil
	}
	return nil, fmt.Errorf("unknown account selection strategy '%s'", strategy)
}

// LRU picks the least recently used account. Ties are broken by the lowest
// lifetime usage and then by configuration order. Since every dispatch
// bumps last_used, this rotates round robin across the accounts.
type LRU struct{}

// Select implements Selector.
func (LRU) Select(accs []models.Account) (models.Account, bool) {
	if len(accs) == 0 {
		return models.Account{}, false
	}

	best := accs[0]
	for _, a := range accs[1:] {
		switch {
		case a.Usage.LastUsed.Before(best.Usage.LastUsed):
			best = a
		case a.Usage.LastUsed.Equal(best.Usage.LastUsed) && a.Usage.Total < best.Usage.Total:
			best = a
		}
	}
	return best, true
}

// Primary picks the account flagged primary. There's no rotation.
type Primary struct{}

// Select implements Selector.
func (Primary) Select(accs []models.Account) (models.Account, bool) {
	for _, a := range accs {
		if a.Primary {
			return a, true
		}
	}
	return models.Account{}, false
}
