// Package venue owns the per-venue constant tables shared by discovery,
// scoring, and risk modeling: trading fees, execution reliability, slippage
// multipliers, and platform risk. Defaults reflect observed venue behavior
// and can be overridden from configuration.
package venue

// Tables maps venue name (lowercase) to its constants. Lookups for unknown
// venues fall back to a conservative default.
type Tables struct {
	Fees            map[string]float64
	Reliabilities   map[string]float64
	SlippageFactors map[string]float64
	PlatformRisks   map[string]float64
}

const (
	defaultFee            = 0.01
	defaultReliability    = 0.80
	defaultSlippageFactor = 1.5
	defaultPlatformRisk   = 30.0
)

// Defaults returns the baked-in tables. Callers may mutate the returned
// maps; each call allocates fresh copies.
func Defaults() Tables {
	return Tables{
		Fees: map[string]float64{
			"polymarket": 0,
			"kalshi":     0.01,
			"manifold":   0,
			"metaculus":  0,
			"limitless":  0.02,
		},
		Reliabilities: map[string]float64{
			"polymarket": 1.0,
			"kalshi":     0.95,
			"limitless":  0.85,
			"manifold":   0.90,
		},
		SlippageFactors: map[string]float64{
			"polymarket": 1.0,
			"kalshi":     1.1,
			"limitless":  1.4,
			"manifold":   1.25,
		},
		PlatformRisks: map[string]float64{
			"polymarket": 10,
			"kalshi":     8,
			"limitless":  25,
			"manifold":   20,
		},
	}
}

// Fee returns the trading fee rate for a venue.
func (t Tables) Fee(venue string) float64 {
	if f, ok := t.Fees[venue]; ok {
		return f
	}
	return defaultFee
}

// Reliability returns the execution reliability factor for a venue.
func (t Tables) Reliability(venue string) float64 {
	if r, ok := t.Reliabilities[venue]; ok {
		return r
	}
	return defaultReliability
}

// Slippage returns the slippage multiplier for a venue.
func (t Tables) Slippage(venue string) float64 {
	if s, ok := t.SlippageFactors[venue]; ok {
		return s
	}
	return defaultSlippageFactor
}

// Risk returns the platform risk constant (0..100 scale) for a venue.
func (t Tables) Risk(venue string) float64 {
	if r, ok := t.PlatformRisks[venue]; ok {
		return r
	}
	return defaultPlatformRisk
}
