package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// canMatch reports whether maker is an acceptable counter-order for taker:
// open, opposite side, same symbol, exactly the same amount, and a price
// no worse than the taker's limit. Partial fills do not exist, so amounts
// must be equal.
func canMatch(taker, maker *models.Order) bool {
	if !maker.IsOpen() || maker.ID == taker.ID {
		return false
	}
	if maker.Side != taker.Side.Opposite() || maker.Symbol != taker.Symbol {
		return false
	}
	if !maker.Amount.Equal(taker.Amount) {
		return false
	}
	if taker.Side == models.SideBuy {
		return maker.Price.LessThanOrEqual(taker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}

// sortByPriority orders makers best first for a taker on side: lowest sell
// or highest buy price, then earliest created, then lowest id.
func sortByPriority(side models.Side, makers []models.Order) {
	sort.SliceStable(makers, func(i, j int) bool {
		a, b := makers[i], makers[j]
		if !a.Price.Equal(b.Price) {
			if side == models.SideBuy {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// findCounterOrder selects and locks the best resting counter-order for
// taker, or returns nil when none exists. Candidates are read unlocked and
// re-checked once their lock is granted: a concurrent transaction may have
// filled or cancelled one while we waited, in which case the next one in
// priority order is tried. No balance or holding is locked yet when this
// runs.
func (e *Exchange) findCounterOrder(ctx context.Context, tx store.Tx, taker *models.Order) (*models.Order, error) {
	candidates, err := tx.MatchCandidates(ctx, taker)
	if err != nil {
		return nil, fmt.Errorf("failed to query counter orders: %w", err)
	}
	sortByPriority(taker.Side, candidates)

	for i := range candidates {
		if !canMatch(taker, &candidates[i]) {
			continue
		}
		maker, err := tx.LockOrder(ctx, candidates[i].ID)
		if err != nil {
			return nil, fmt.Errorf("failed to lock order %d: %w", candidates[i].ID, err)
		}
		if canMatch(taker, maker) {
			return maker, nil
		}
		e.logger.Debug("counter order taken concurrently, trying next",
			zapOrder("taker", taker), zapOrder("maker", maker))
	}
	return nil, nil
}
