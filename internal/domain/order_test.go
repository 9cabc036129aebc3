package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestOrderRequest_Validate(t *testing.T) {
	cases := []struct {
		name  string
		req   OrderRequest
		field string
	}{
		{"empty symbol", OrderRequest{Quantity: 1}, "symbol"},
		{"zero quantity", OrderRequest{Symbol: "MSFT"}, "quantity"},
		{"negative quantity", OrderRequest{Symbol: "MSFT", Quantity: -5}, "quantity"},
		{"limit without price", OrderRequest{Symbol: "MSFT", Quantity: 10, OrderType: OrderTypeLimit}, "price"},
		{"stop without stop price", OrderRequest{Symbol: "MSFT", Quantity: 10, OrderType: OrderTypeStop}, "stopPrice"},
		{"stop limit without stop price", OrderRequest{Symbol: "MSFT", Quantity: 10, OrderType: OrderTypeStopLimit, Price: dec("1")}, "stopPrice"},
		{"stop limit without price", OrderRequest{Symbol: "MSFT", Quantity: 10, OrderType: OrderTypeStopLimit, StopPrice: dec("1")}, "price"},
		{"unknown instruction", OrderRequest{Symbol: "MSFT", Quantity: 1, Instruction: Instruction(42)}, "instruction"},
		{"unknown duration", OrderRequest{Symbol: "MSFT", Quantity: 1, Duration: Duration(9)}, "duration"},
		{"non-positive price", OrderRequest{Symbol: "MSFT", Quantity: 1, OrderType: OrderTypeLimit, Price: dec("0")}, "price"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	ok := OrderRequest{Symbol: "MSFT", Quantity: 10, OrderType: OrderTypeLimit, Price: dec("150.00")}
	assert.NoError(t, ok.Validate())
	assert.NoError(t, OrderRequest{Symbol: "AAPL", Quantity: 1}.Validate(), "market order needs no price")
}

func TestOrderRequest_ToWire(t *testing.T) {
	req := OrderRequest{
		Symbol:      "msft",
		Quantity:    10,
		Instruction: InstructionSellShort,
		OrderType:   OrderTypeStopLimit,
		Session:     SessionSeamless,
		Duration:    DurationGTC,
		Price:       dec("150.25"),
		StopPrice:   dec("151"),
	}
	b, err := req.MarshalWire()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "STOP_LIMIT", got["orderType"])
	assert.Equal(t, "SEAMLESS", got["session"])
	assert.Equal(t, "GOOD_TILL_CANCEL", got["duration"])
	assert.Equal(t, "SINGLE", got["orderStrategyType"])
	assert.Equal(t, 150.25, got["price"])
	assert.Equal(t, float64(151), got["stopPrice"])

	legs := got["orderLegCollection"].([]any)
	require.Len(t, legs, 1)
	leg := legs[0].(map[string]any)
	assert.Equal(t, "SELL_SHORT", leg["instruction"])
	assert.Equal(t, float64(10), leg["quantity"])
	assert.Equal(t, "MSFT", leg["instrument"].(map[string]any)["symbol"])
}

func TestOrderRequest_MarshalWireExactBytes(t *testing.T) {
	req := OrderRequest{
		Symbol:      "MSFT",
		Quantity:    10,
		Instruction: InstructionBuy,
		OrderType:   OrderTypeLimit,
		Session:     SessionNormal,
		Duration:    DurationDay,
		Price:       dec("150.00"),
	}
	b, err := req.MarshalWire()
	require.NoError(t, err)
	assert.Equal(t, `{"orderType":"LIMIT","session":"NORMAL","duration":"DAY","orderStrategyType":"SINGLE",`+
		`"price":150.00,"orderLegCollection":[{"instruction":"BUY","quantity":10,"instrument":{"symbol":"MSFT","assetType":"EQUITY"}}]}`,
		string(b))
}

func TestWirePrice(t *testing.T) {
	cases := map[string]string{
		"150":    "150.00",
		"150.00": "150.00",
		"150.5":  "150.50",
		"0.1234": "0.1234",
		"12.345": "12.345",
	}
	for in, want := range cases {
		b, err := json.Marshal(WirePrice(decimal.RequireFromString(in)))
		require.NoError(t, err, in)
		assert.Equal(t, want, string(b), in)

		var back WirePrice
		require.NoError(t, json.Unmarshal(b, &back))
		assert.True(t, back.Decimal().Equal(decimal.RequireFromString(in)), in)
	}
}

func TestOrderRequest_ToWireDropsIrrelevantPrices(t *testing.T) {
	req := OrderRequest{Symbol: "AAPL", Quantity: 1, OrderType: OrderTypeMarket, Price: dec("10")}
	w, err := req.ToWire()
	require.NoError(t, err)
	assert.Nil(t, w.Price)
	assert.Nil(t, w.StopPrice)
}

func TestOrderRequest_CloneIsDeep(t *testing.T) {
	req := OrderRequest{Symbol: "AAPL", Quantity: 1, OrderType: OrderTypeLimit, Price: dec("10")}
	c := req.Clone()
	*req.Price = decimal.RequireFromString("99")
	assert.Equal(t, "10", c.Price.String())
}

func TestParseEnums(t *testing.T) {
	in, err := ParseInstruction("buy-to-cover")
	require.NoError(t, err)
	assert.Equal(t, InstructionBuyToCover, in)

	ot, err := ParseOrderType("stop_limit")
	require.NoError(t, err)
	assert.Equal(t, OrderTypeStopLimit, ot)

	s, err := ParseSession("am")
	require.NoError(t, err)
	assert.Equal(t, SessionAM, s)

	d, err := ParseDuration("ioc")
	require.NoError(t, err)
	assert.Equal(t, DurationIOC, d)

	d, err = ParseDuration("good_till_cancel")
	require.NoError(t, err)
	assert.Equal(t, DurationGTC, d)

	_, err = ParseOrderType("trailing")
	assert.Error(t, err)
}

func TestOrderStatus_IsFinal(t *testing.T) {
	assert.False(t, OrderStatusSubmitted.IsFinal())
	assert.False(t, OrderStatusAccepted.IsFinal())
	assert.True(t, OrderStatusCancelled.IsFinal())
	assert.True(t, OrderStatusReplaced.IsFinal())
	assert.True(t, OrderStatusRejected.IsFinal())
}
