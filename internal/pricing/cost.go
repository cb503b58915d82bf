package pricing

import (
	"sync"

	"github.com/dittosh/gateway/config"
	"github.com/dittosh/gateway/types"
)

// Usage is the token breakdown from an upstream's observed usage object
// (or the pre-estimate fallback), enough to apply every LiteLLM-style
// pricing dimension named in §4.1 step 9.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
}

// Table is a mutable, concurrency-safe pricing table keyed by model name.
type Table struct {
	mu     sync.RWMutex
	prices map[string]config.ModelPrice
}

// New builds a Table from the configured pricing rows (§4.1 step 9).
func New(rows []config.ModelPrice) *Table {
	t := &Table{prices: make(map[string]config.ModelPrice, len(rows))}
	t.Update(rows)
	return t
}

// Update replaces the full set of pricing rows, keyed by model.
func (t *Table) Update(rows []config.ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices = make(map[string]config.ModelPrice, len(rows))
	for _, row := range rows {
		t.prices[row.Model] = row
	}
}

// Lookup returns the pricing row for model, if configured.
func (t *Table) Lookup(model string) (config.ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.prices[model]
	return row, ok
}

// EstimateMicros computes the worst-case reservation amount for
// chargeTokens (input_estimate + max_output_tokens, per §4.1 step 5),
// priced at whichever of the base and tiered input/output per-1K rates is
// highest so the reservation never undershoots the eventual settle.
func (t *Table) EstimateMicros(model string, chargeTokens int64) (int64, error) {
	row, ok := t.Lookup(model)
	if !ok {
		return 0, types.NewError(types.ErrPricingNotConfig, "no pricing configured for model "+model)
	}
	rate := row.InputPer1K
	if row.OutputPer1K > rate {
		rate = row.OutputPer1K
	}
	if row.TieredInputPer1KAbove > rate {
		rate = row.TieredInputPer1KAbove
	}
	if row.TieredOutputPer1KAbove > rate {
		rate = row.TieredOutputPer1KAbove
	}
	return microsFor(chargeTokens, rate), nil
}

// ActualMicros computes the observed cost for Usage, honoring tiered
// above-threshold rates and the cache_read/cache_creation discounts
// (§4.1 step 9). Tiering applies independently to input and output: the
// tokens at or below TieredAboveTokens price at the base rate, the
// remainder at the tiered rate. A zero TieredAboveTokens means no tier
// is configured and the base rate applies to every token.
func (t *Table) ActualMicros(model string, usage Usage) (int64, error) {
	row, ok := t.Lookup(model)
	if !ok {
		return 0, types.NewError(types.ErrPricingNotConfig, "no pricing configured for model "+model)
	}

	var total int64
	total += tieredMicros(usage.InputTokens, row.InputPer1K, row.TieredAboveTokens, row.TieredInputPer1KAbove)
	total += tieredMicros(usage.OutputTokens, row.OutputPer1K, row.TieredAboveTokens, row.TieredOutputPer1KAbove)
	total += microsFor(usage.CacheReadTokens, row.CacheReadPer1K)
	total += microsFor(usage.CacheCreationTokens, row.CacheCreationPer1K)
	return total, nil
}

// tieredMicros splits tokens at the tier boundary and prices each part at
// its own rate. If aboveThreshold is 0, tiering is unconfigured and every
// token prices at the base rate.
func tieredMicros(tokens int64, baseRate float64, aboveThreshold int64, aboveRate float64) int64 {
	if aboveThreshold <= 0 || tokens <= aboveThreshold {
		return microsFor(tokens, baseRate)
	}
	return microsFor(aboveThreshold, baseRate) + microsFor(tokens-aboveThreshold, aboveRate)
}

// microsFor converts tokens priced at ratePer1K (USD per 1000 tokens)
// into integer USD micros.
func microsFor(tokens int64, ratePer1K float64) int64 {
	if tokens <= 0 || ratePer1K <= 0 {
		return 0
	}
	return int64(float64(tokens) / 1000.0 * ratePer1K * 1_000_000)
}
