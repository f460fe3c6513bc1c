package exchange

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
)

// errLedgerInvariant means stored balances disagree with the orders that
// reserved them. It is never expected and aborts the transaction.
var errLedgerInvariant = errors.New("ledger invariant violated")

// The functions below mutate rows the caller has locked in the current
// transaction and persists afterwards. None of them partially apply.

// reserveForBuy debits cost from the user's balance
func reserveForBuy(user *models.User, cost decimal.Decimal) error {
	if user.Balance.LessThan(cost) {
		return fmt.Errorf("%w: required %s USD, available %s USD",
			models.ErrInsufficientBalance, cost, user.Balance)
	}
	user.Balance = user.Balance.Sub(cost)
	return nil
}

// reserveForSell moves amount from available to locked
func reserveForSell(asset *models.Asset, amount decimal.Decimal) error {
	if asset.Available.LessThan(amount) {
		return fmt.Errorf("%w: required %s %s, available %s",
			models.ErrInsufficientAsset, amount, asset.Symbol, asset.Available)
	}
	asset.Available = asset.Available.Sub(amount)
	asset.Locked = asset.Locked.Add(amount)
	return nil
}

// releaseLockedToAvailable undoes reserveForSell for a cancelled order
func releaseLockedToAvailable(asset *models.Asset, amount decimal.Decimal) error {
	if asset.Locked.LessThan(amount) {
		return fmt.Errorf("%w: release %s %s with only %s locked",
			errLedgerInvariant, amount, asset.Symbol, asset.Locked)
	}
	asset.Locked = asset.Locked.Sub(amount)
	asset.Available = asset.Available.Add(amount)
	return nil
}

// refundToBalance credits amount to the user's balance
func refundToBalance(user *models.User, amount decimal.Decimal) {
	user.Balance = user.Balance.Add(amount)
}

// settleSellerProceeds removes the sold amount from the seller's locked
// holding for good and credits the proceeds.
func settleSellerProceeds(asset *models.Asset, user *models.User, traded, proceeds decimal.Decimal) error {
	if asset.Locked.LessThan(traded) {
		return fmt.Errorf("%w: seller %d has %s %s locked, trade needs %s",
			errLedgerInvariant, user.ID, asset.Locked, asset.Symbol, traded)
	}
	asset.Locked = asset.Locked.Sub(traded)
	user.Balance = user.Balance.Add(proceeds)
	return nil
}

// settleBuyerReceipt credits the bought amount to the buyer's holding
func settleBuyerReceipt(asset *models.Asset, traded decimal.Decimal) {
	asset.Available = asset.Available.Add(traded)
}
