package values

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBidAmountFromString(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"100", "100", false},
		{"100.50", "100.5", false},
		{"0.0001", "0.0001", false},
		{"-5", "-5", false},
		{"abc", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			a, err := NewBidAmountFromString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.String())
		})
	}
}

func TestBidAmount_Comparisons(t *testing.T) {
	low := MustBidAmount("99.99")
	high := MustBidAmount("100")

	assert.True(t, high.GreaterThan(low))
	assert.True(t, low.LessThan(high))
	assert.False(t, low.Equal(high))
	assert.Equal(t, -1, low.Cmp(high))
	assert.True(t, MustBidAmount("100.0").Equal(high), "trailing zeros are equal")
}

func TestBidAmount_JSONStringAndNumber(t *testing.T) {
	var fromString BidAmount
	require.NoError(t, json.Unmarshal([]byte(`"150.25"`), &fromString))
	assert.Equal(t, "150.25", fromString.String())

	var fromNumber BidAmount
	require.NoError(t, json.Unmarshal([]byte(`150.25`), &fromNumber))
	assert.True(t, fromString.Equal(fromNumber))

	out, err := json.Marshal(fromString)
	require.NoError(t, err)
	assert.Equal(t, `"150.25"`, string(out), "amounts serialize as strings")

	var bad BidAmount
	assert.Error(t, json.Unmarshal([]byte(`"not-a-number"`), &bad))
}

func TestBidAmount_SQLRoundTrip(t *testing.T) {
	a := MustBidAmount("1234.5678")
	v, err := a.Value()
	require.NoError(t, err)

	var scanned BidAmount
	require.NoError(t, scanned.Scan(v))
	assert.True(t, a.Equal(scanned))

	var fromBytes BidAmount
	require.NoError(t, fromBytes.Scan([]byte("42.42")))
	assert.Equal(t, "42.42", fromBytes.String())

	var fromNil BidAmount
	require.NoError(t, fromNil.Scan(nil))
	assert.True(t, fromNil.IsZero())
}
