package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
)

// Signal is the candidate signal the strategy layer emits, before
// fingerprinting. Strength and PriceLevel are optional (per spec.md
// section 3's "SignalFingerprint" model).
type Signal struct {
	Symbol     string
	Direction  string
	Strategy   string
	Timestamp  int64 // unix seconds
	Strength   *float64
	PriceLevel *float64
}

// canonicalSignal is the deterministic, sorted-key representation hashed
// to produce a fingerprint. encoding/json emits struct fields in
// declaration order, so the fields are declared in alphabetical order of
// their JSON keys and the serialized object has sorted keys.
type canonicalSignal struct {
	Direction    string   `json:"direction"`
	MinuteBucket int64    `json:"minuteBucket"`
	PriceLevel   *float64 `json:"priceLevel,omitempty"`
	Strategy     string   `json:"strategy"`
	Strength     *float64 `json:"strength,omitempty"`
	Symbol       string   `json:"symbol"`
}

// minuteBucket floors unix seconds to the enclosing 60s window.
func minuteBucket(unixSeconds int64) int64 {
	return unixSeconds - (unixSeconds % 60)
}

func round4dp(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// Fingerprint computes the 16-hex-character digest described in spec.md
// section 3: canonicalize, serialize, SHA-256, take the first 16 hex
// characters (64 bits).
func Fingerprint(s Signal) (string, error) {
	c := canonicalSignal{
		Symbol:       s.Symbol,
		Direction:    s.Direction,
		Strategy:     s.Strategy,
		MinuteBucket: minuteBucket(s.Timestamp),
	}
	if s.Strength != nil {
		v := round4dp(*s.Strength)
		c.Strength = &v
	}
	if s.PriceLevel != nil {
		v := round4dp(*s.PriceLevel)
		c.PriceLevel = &v
	}

	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16], nil
}
