package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilters(t *testing.T) {
	f, err := parseFilters("BTCUSDT", "0.001", "0.001", "0.10")
	require.NoError(t, err)
	assert.Equal(t, 0.001, f.StepSize)
	assert.Equal(t, 0.1, f.TickSize)

	_, err = parseFilters("BTCUSDT", "abc", "0.001", "0.10")
	assert.Error(t, err)

	_, err = parseFilters("BTCUSDT", "0", "0", "0.10")
	assert.Error(t, err)

	_, err = parseFilters("BTCUSDT", "0.001", "0.001", "0")
	assert.Error(t, err)
}
