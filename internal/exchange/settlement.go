package exchange

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/spotexchange/internal/models"
	"github.com/xtrntr/spotexchange/internal/store"
)

// settlement holds the amounts moved by one match
type settlement struct {
	buy, sell  *models.Order
	price      decimal.Decimal // maker's price
	amount     decimal.Decimal
	volume     decimal.Decimal // price × amount
	commission decimal.Decimal // volume × CommissionRate, paid by the seller
	proceeds   decimal.Decimal // volume - commission, credited to the seller
	refund     decimal.Decimal // buyer's reservation minus volume
}

// newSettlement prices a match between taker and maker. The maker's price
// always applies, so any price improvement goes to the taker.
func newSettlement(taker, maker *models.Order) (settlement, error) {
	s := settlement{buy: taker, sell: maker}
	if taker.Side == models.SideSell {
		s.buy, s.sell = maker, taker
	}

	s.price = maker.Price
	s.amount = taker.Amount
	s.volume = models.Mul(s.price, s.amount)
	s.commission = models.Commission(s.volume)
	s.proceeds = s.volume.Sub(s.commission)
	// The buyer reserved at their own limit, which matching guarantees is
	// at least the execution price.
	s.refund = s.buy.Notional().Sub(s.volume)
	if s.refund.IsNegative() {
		return settlement{}, fmt.Errorf("%w: buy order %d reserved %s but trade volume is %s",
			errLedgerInvariant, s.buy.ID, s.buy.Notional(), s.volume)
	}
	return s, nil
}

func (s settlement) trade() *models.Trade {
	return &models.Trade{
		BuyOrderID:  s.buy.ID,
		SellOrderID: s.sell.ID,
		BuyerID:     s.buy.UserID,
		SellerID:    s.sell.UserID,
		Symbol:      s.buy.Symbol,
		Price:       s.price,
		Amount:      s.amount,
		Volume:      s.volume,
		Commission:  s.commission,
	}
}

// ledgerRows are the balance and holding rows one submission touches
type ledgerRows struct {
	userIDs, assetIDs []int64
	users             map[int64]*models.User
	assets            map[int64]*models.Asset
}

// ledgerParties names the rows a submission needs: the buyer's balance to
// reserve a buy, the seller's holding to reserve a sell, and both parties'
// balances and holdings when maker is not nil.
func ledgerParties(taker, maker *models.Order) (users, assets []int64) {
	if maker != nil {
		parties := sortedParties(taker.UserID, maker.UserID)
		return parties, parties
	}
	if taker.Side == models.SideBuy {
		return []int64{taker.UserID}, nil
	}
	return nil, []int64{taker.UserID}
}

// lockLedgerRows locks every row the submission of taker will write, users
// by ascending id and then holdings by ascending user id. Nothing else is
// locked after it, so two submissions between the same users always wait
// for each other in the same order.
func lockLedgerRows(ctx context.Context, tx store.Tx, taker, maker *models.Order) (*ledgerRows, error) {
	userIDs, assetIDs := ledgerParties(taker, maker)
	rows := &ledgerRows{
		userIDs:  userIDs,
		assetIDs: assetIDs,
		users:    make(map[int64]*models.User, len(userIDs)),
		assets:   make(map[int64]*models.Asset, len(assetIDs)),
	}
	for _, id := range userIDs {
		u, err := tx.LockUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to lock user %d: %w", id, err)
		}
		rows.users[id] = u
	}
	for _, id := range assetIDs {
		a, err := tx.LockAsset(ctx, id, taker.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s holding of user %d: %w", taker.Symbol, id, err)
		}
		rows.assets[id] = a
	}
	return rows, nil
}

func (r *ledgerRows) save(ctx context.Context, tx store.Tx) error {
	for _, id := range r.userIDs {
		if err := tx.SaveUserBalance(ctx, r.users[id]); err != nil {
			return fmt.Errorf("failed to update balance of user %d: %w", id, err)
		}
	}
	for _, id := range r.assetIDs {
		if err := tx.SaveAsset(ctx, r.assets[id]); err != nil {
			return fmt.Errorf("failed to update holding of user %d: %w", id, err)
		}
	}
	return nil
}

// settle executes the match between taker and the locked maker: moves the
// asset and the money on rows, fills both orders, records the trade and
// queues the TradeExecuted event. The caller saves rows.
func (e *Exchange) settle(ctx context.Context, tx store.Tx, taker, maker *models.Order, rows *ledgerRows) (*models.Trade, error) {
	s, err := newSettlement(taker, maker)
	if err != nil {
		return nil, err
	}

	buyer, seller := rows.users[s.buy.UserID], rows.users[s.sell.UserID]
	if err := settleSellerProceeds(rows.assets[seller.ID], seller, s.amount, s.proceeds); err != nil {
		return nil, err
	}
	settleBuyerReceipt(rows.assets[buyer.ID], s.amount)
	if s.refund.IsPositive() {
		refundToBalance(buyer, s.refund)
	}

	for _, o := range []*models.Order{s.buy, s.sell} {
		if err := tx.TransitionOrder(ctx, o.ID, models.StatusOpen, models.StatusFilled); err != nil {
			return nil, fmt.Errorf("failed to fill order %d: %w", o.ID, err)
		}
		o.Status = models.StatusFilled
	}

	trade := s.trade()
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("failed to record trade: %w", err)
	}
	event := models.NewTradeEvent(*trade)
	if err := tx.EnqueueEvent(ctx, &event); err != nil {
		return nil, fmt.Errorf("failed to queue trade event: %w", err)
	}
	return trade, nil
}

// sortedParties returns the distinct user ids in ascending order
func sortedParties(a, b int64) []int64 {
	if a == b {
		return []int64{a}
	}
	ids := []int64{a, b}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
