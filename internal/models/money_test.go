package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		want        string
		expectError bool
	}{
		{name: "Integer", input: "10000", want: "10000"},
		{name: "EightDecimals", input: "0.00000001", want: "0.00000001"},
		{name: "TrailingZeros", input: "1.500000000000", want: "1.5"},
		{name: "NineDecimals", input: "0.000000001", expectError: true},
		{name: "Garbage", input: "abc", expectError: true},
		{name: "Empty", input: "", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange(d("999999999999.99999999")))
	assert.True(t, InRange(d("-999999999999")))
	assert.False(t, InRange(d("1000000000000")))
	assert.False(t, InRange(d("1e13")))
}

func TestCommission(t *testing.T) {
	assert.True(t, Commission(d("9500")).Equal(d("142.5")))
	assert.True(t, Commission(d("0.00000001")).Equal(decimal.Zero))
	assert.True(t, Commission(d("1.23456789")).Equal(d("0.01851851")))
}

func TestOrder_Notional(t *testing.T) {
	o := Order{Price: d("10000"), Amount: d("1.0")}
	assert.True(t, o.Notional().Equal(d("10000")))

	o = Order{Price: d("0.33333333"), Amount: d("0.33333333")}
	assert.True(t, o.Notional().Equal(d("0.11111110")))
}

func TestOrderStatus_Text(t *testing.T) {
	for _, s := range []OrderStatus{StatusOpen, StatusFilled, StatusCancelled} {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var back OrderStatus
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	var s OrderStatus
	assert.Error(t, s.UnmarshalText([]byte("partial")))
}

func TestNewTradeEvent_Recipients(t *testing.T) {
	ev := NewTradeEvent(Trade{ID: 7, BuyerID: 1, SellerID: 2})
	assert.Equal(t, []int64{1, 2}, ev.Recipients)
	assert.Equal(t, EventTradeExecuted, ev.Type)

	self := NewTradeEvent(Trade{ID: 8, BuyerID: 3, SellerID: 3})
	assert.Equal(t, []int64{3}, self.Recipients)
}

func TestProperty_SettlementConservesQuote(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		units := rapid.Int64Range(1, 1_000_000_000).Draw(t, "amountUnits")
		makerUnits := rapid.Int64Range(1, 10_000_000_000_000).Draw(t, "makerPriceUnits")
		improvement := rapid.Int64Range(0, 1_000_000_000).Draw(t, "improvementUnits")

		amount := decimal.New(units, -Scale)
		makerPrice := decimal.New(makerUnits, -Scale)
		buyPrice := makerPrice.Add(decimal.New(improvement, -Scale))

		reserved := Mul(buyPrice, amount)
		volume := Mul(makerPrice, amount)
		commission := Commission(volume)
		refund := reserved.Sub(volume)
		proceeds := volume.Sub(commission)

		if refund.IsNegative() {
			t.Fatalf("negative refund %s", refund)
		}
		// quote leaving the buyer equals quote reaching the seller plus the fee
		paid := reserved.Sub(refund)
		if !paid.Equal(proceeds.Add(commission)) {
			t.Fatalf("paid %s != proceeds %s + commission %s", paid, proceeds, commission)
		}
		if !HasScale(volume) || !HasScale(commission) || !HasScale(refund) {
			t.Fatalf("result exceeds scale: volume=%s commission=%s refund=%s", volume, commission, refund)
		}
	})
}
