// Package pricing holds the static model price table used for token cost accounting.
//
// DESIGN: Pure lookup, no state. Unknown models are NOT billed at a default
// rate — the usage record is still written with cost 0 and flagged, so a new
// model id never silently drops accounting rows (and never silently invents
// a price either).
package pricing

import "strings"

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMTok  float64 // USD per million input tokens
	OutputPerMTok float64 // USD per million output tokens
}

// modelPricingTable maps model identifiers to their pricing.
var modelPricingTable = map[string]ModelPricing{
	// Amazon Nova
	"global.amazon.nova-2-lite-v1:0": {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"us.amazon.nova-pro-v1:0":        {InputPerMTok: 0.80, OutputPerMTok: 3.20},

	// Anthropic Claude (Bedrock cross-region ids)
	"global.anthropic.claude-haiku-4-5-20251001-v1:0":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"global.anthropic.claude-sonnet-4-5-20250929-v1:0": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"global.anthropic.claude-opus-4-5-20251101-v1:0":   {InputPerMTok: 5.00, OutputPerMTok: 25.00},

	// Short aliases (metadata events from some agent frameworks report these)
	"claude-haiku":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"claude-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-opus":   {InputPerMTok: 5.00, OutputPerMTok: 25.00},
	"nova-lite":     {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"nova-pro":      {InputPerMTok: 0.80, OutputPerMTok: 3.20},
}

// modelFamilyPricing maps model family prefixes to pricing, matched after the
// exact table. Longest prefix wins so a dated haiku id never falls through to
// a broader (and wrong) family entry.
var modelFamilyPricing = map[string]ModelPricing{
	"global.anthropic.claude-haiku":  {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"global.anthropic.claude-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"global.anthropic.claude-opus":   {InputPerMTok: 5.00, OutputPerMTok: 25.00},
	"claude-haiku-4-5":               {InputPerMTok: 1.00, OutputPerMTok: 5.00},
	"claude-sonnet-4-5":              {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"global.amazon.nova-2-lite":      {InputPerMTok: 0.30, OutputPerMTok: 2.50},
	"us.amazon.nova-pro":             {InputPerMTok: 0.80, OutputPerMTok: 3.20},
}

// Lookup returns pricing for a model id. Tries exact match, then prefix/family
// match (longest prefix wins). ok is false for unknown models; callers must
// treat that as cost 0, never as "pick a default rate".
func Lookup(model string) (ModelPricing, bool) {
	if p, ok := modelPricingTable[model]; ok {
		return p, true
	}

	bestPrefix := ""
	var bestPricing ModelPricing
	for prefix, p := range modelFamilyPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			bestPricing = p
		}
	}
	if bestPrefix != "" {
		return bestPricing, true
	}

	return ModelPricing{}, false
}

// Cost computes the cost in USD from token counts.
func Cost(inputTokens, outputTokens int, p ModelPricing) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * p.InputPerMTok
	outputCost := float64(outputTokens) / 1_000_000 * p.OutputPerMTok
	return inputCost + outputCost
}

// AgentCore runtime compute pricing (USD). Applied by the ingest pipeline to
// stamp an estimated compute cost on each runtime usage record.
const (
	VCPUHourRate     = 0.0895
	MemoryGBHourRate = 0.00945
)

// RuntimeCost computes the estimated compute cost for one runtime usage record.
func RuntimeCost(vcpuHours, memoryGBHours float64) float64 {
	return vcpuHours*VCPUHourRate + memoryGBHours*MemoryGBHourRate
}
