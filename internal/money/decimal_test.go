package money

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecimal_ArithmeticIsExact(t *testing.T) {
	a := MustFromString("0.1")
	b := MustFromString("0.2")
	sum := a.Add(b)
	require.Equal(t, 0, sum.Cmp(MustFromString("0.3")))
	require.Equal(t, "0.3", sum.String())
}

func TestDecimal_Sub(t *testing.T) {
	a := MustFromString("1000.00000001")
	b := MustFromString("700")
	require.Equal(t, "300.00000001", a.Sub(b).String())
}

func TestDecimal_GreaterThanOrEqual(t *testing.T) {
	require.True(t, MustFromString("5").GreaterThanOrEqual(MustFromString("5")))
	require.True(t, MustFromString("5.00000001").GreaterThanOrEqual(MustFromString("5")))
	require.False(t, MustFromString("4.99999999").GreaterThanOrEqual(MustFromString("5")))
}

func TestDecimal_NewFromString_Invalid(t *testing.T) {
	_, err := NewFromString("not-a-number")
	require.Error(t, err)
}

func TestDecimal_NewFromFloat_Rejects_NonFinite(t *testing.T) {
	_, err := NewFromFloat(math.Inf(1))
	require.Error(t, err)
}

func TestDecimal_JSON_RoundTrip(t *testing.T) {
	d := MustFromString("123.45678901")
	b, err := json.Marshal(d)
	require.NoError(t, err)
	require.Equal(t, `"123.45678901"`, string(b))

	var out Decimal
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, 0, d.Cmp(out))
}

func TestDecimal_UnmarshalJSON_FromNumber(t *testing.T) {
	var out Decimal
	require.NoError(t, json.Unmarshal([]byte(`1.5`), &out))
	require.Equal(t, 0, out.Cmp(MustFromString("1.5")))
}

func TestDecimal_IsZero(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.True(t, MustFromString("0").IsZero())
	require.False(t, MustFromString("0.00000001").IsZero())
}
