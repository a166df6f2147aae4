// Package usage derives token and cost telemetry for completed assistant
// exchanges and appends immutable records to the usage ledger.
package usage

import (
	"os"
	"strconv"
)

// Pricing in USD per million tokens. Defaults track 2026 list prices and can
// be overridden via environment variables.
var (
	// FastPricePerMInput is the input price for the fast tier (gpt-4o-mini).
	FastPricePerMInput = getEnvFloat("PRICE_FAST_INPUT_PER_M", 0.15)

	// FastPricePerMOutput is the output price for the fast tier.
	FastPricePerMOutput = getEnvFloat("PRICE_FAST_OUTPUT_PER_M", 0.60)

	// QualityPricePerMInput is the input price for the quality tier (claude-sonnet).
	QualityPricePerMInput = getEnvFloat("PRICE_QUALITY_INPUT_PER_M", 3.00)

	// QualityPricePerMOutput is the output price for the quality tier.
	QualityPricePerMOutput = getEnvFloat("PRICE_QUALITY_OUTPUT_PER_M", 15.00)
)

// Cost computes the exchange cost in USD from token counts and per-million
// prices.
func Cost(inputTokens, outputTokens int, pricePerMInput, pricePerMOutput float64) float64 {
	return float64(inputTokens)/1e6*pricePerMInput + float64(outputTokens)/1e6*pricePerMOutput
}

// PriceForMode returns the (input, output) per-million prices for a provider
// mode. Unknown modes fall back to the fast tier.
func PriceForMode(mode string) (pricePerMInput, pricePerMOutput float64) {
	if mode == "quality" {
		return QualityPricePerMInput, QualityPricePerMOutput
	}
	return FastPricePerMInput, FastPricePerMOutput
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
