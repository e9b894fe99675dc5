package app

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoPositionEngine/internal/domain"
	"cryptoPositionEngine/internal/ports"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestComputeDelta_Empty(t *testing.T) {
	assert.Empty(t, ComputeDelta(nil, nil))
}

func TestComputeDelta_FlattensUndesiredExposure(t *testing.T) {
	actions := ComputeDelta(nil, []ports.ExchangePosition{
		{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10")},
	})

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionFlattenOrphan, actions[0].Type)
	assert.Equal(t, "ETHUSDT", actions[0].Symbol)
}

func TestComputeDelta_ZeroDesiredFlattens(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Long, Size: dec("0")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10")}},
	)

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionFlattenOrphan, actions[0].Type)
}

func TestComputeDelta_SideMismatchFlattensFirst(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Short, Size: dec("10")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10")}},
	)

	// Only the flatten this pass; the short opens once the symbol is flat.
	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionFlattenOrphan, actions[0].Type)
}

func TestComputeDelta_ShortfallOpensDifference(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Long, Size: dec("10")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("6")}},
	)

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionOpen, actions[0].Type)
	assert.Equal(t, domain.Buy, actions[0].Side)
	assert.True(t, actions[0].Quantity.Equal(dec("4")))
}

func TestComputeDelta_ExcessClosesPartial(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Short, Size: dec("6")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Short, Quantity: dec("10")}},
	)

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionClosePartial, actions[0].Type)
	assert.Equal(t, domain.Buy, actions[0].Side, "a short closes by buying")
	assert.True(t, actions[0].Quantity.Equal(dec("4")))
	assert.Equal(t, domain.ExitReasonReconciliation, actions[0].Reason)
}

func TestComputeDelta_MatchingExposureNoOp(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Long, Size: dec("10")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10")}},
	)
	assert.Empty(t, actions)
}

func TestComputeDelta_DesiredAbsentOpensFull(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Long, Size: dec("10")}},
		nil,
	)

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionOpen, actions[0].Type)
	assert.True(t, actions[0].Quantity.Equal(dec("10")))
}

func TestComputeDelta_ZeroQuantityExchangeRowIgnored(t *testing.T) {
	// A zero-quantity exchange row is no exposure; the desired open still fires.
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "ETHUSDT", Side: domain.Long, Size: dec("10")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("0")}},
	)

	require.Len(t, actions, 1)
	assert.Equal(t, domain.ActionOpen, actions[0].Type)
}

func TestComputeDelta_DeterministicOrder(t *testing.T) {
	desired := []DesiredExposure{
		{Symbol: "SOLUSDT", Side: domain.Long, Size: dec("3")},
		{Symbol: "BTCUSDT", Side: domain.Long, Size: dec("1")},
	}
	actual := []ports.ExchangePosition{
		{Symbol: "XRPUSDT", Side: domain.Long, Quantity: dec("50")},
		{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10")},
	}

	first := ComputeDelta(desired, actual)
	require.Len(t, first, 4)
	// Exchange-held symbols first in lexical order, then missing desired ones.
	assert.Equal(t, "ETHUSDT", first[0].Symbol)
	assert.Equal(t, "XRPUSDT", first[1].Symbol)
	assert.Equal(t, "BTCUSDT", first[2].Symbol)
	assert.Equal(t, "SOLUSDT", first[3].Symbol)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ComputeDelta(desired, actual))
	}
}

func TestComputeDelta_NormalizesSymbols(t *testing.T) {
	actions := ComputeDelta(
		[]DesiredExposure{{Symbol: "eth/usdt:usdt", Side: domain.Long, Size: dec("10")}},
		[]ports.ExchangePosition{{Symbol: "ETHUSDT", Side: domain.Long, Quantity: dec("10")}},
	)
	assert.Empty(t, actions)
}
