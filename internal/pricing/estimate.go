package pricing

import (
	"math"
	"strings"
	"unicode"

	"genforge/internal/core"
)

// ImageTokenSurcharge is the fixed token count added per non-text message
// part (e.g. a reference image) when estimating input tokens. Added by the
// call site, not by ApproximateTokens.
const ImageTokenSurcharge = 512

// EstimateCost computes the credit cost of a usage under a rule.
//
// Token-based rules charge (input/divisor)*costInput + (output/divisor)*costOutput,
// rounded to the nearest integer with a floor of 1 when the raw value is
// positive, so no billable token usage ever rounds to a free call.
// Duration rules charge cost * seconds (or minutes); per-call rules charge
// the flat cost.
func EstimateCost(rule Rule, usage core.UsageDetails) int64 {
	switch rule.Unit {
	case UnitPerToken, UnitPer1KTokens, UnitPerMillionTokens:
		div := rule.Unit.divisor()
		raw := float64(usage.InputTokens)/div*rule.CostInput +
			float64(usage.OutputTokens)/div*rule.CostOutput
		return roundCost(raw)
	case UnitPerSecond:
		return roundCost(rule.Cost * float64(usage.DurationSeconds))
	case UnitPerMinute:
		return roundCost(rule.Cost * float64(usage.DurationSeconds) / 60)
	default: // per_call
		calls := usage.Calls
		if calls <= 0 {
			calls = 1
		}
		return roundCost(rule.Cost * float64(calls))
	}
}

// roundCost rounds to the nearest integer credit, flooring at 1 for any
// positive amount.
func roundCost(raw float64) int64 {
	if raw <= 0 {
		return 0
	}
	c := int64(math.Round(raw))
	if c < 1 {
		return 1
	}
	return c
}

// ApproximateTokens estimates the token count of a text as one token per
// four bytes of whitespace-collapsed UTF-8. Used when exact counts from the
// vendor are unavailable.
func ApproximateTokens(text string) int {
	collapsed := collapseWhitespace(text)
	if collapsed == "" {
		return 0
	}
	n := (len(collapsed) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateUsage builds a token usage estimate for a prompt with attached
// reference images. Output tokens are projected as inputTokens * outputRatio
// until real usage is known.
func EstimateUsage(prompt string, imageCount int, outputRatio float64) core.UsageDetails {
	if outputRatio <= 0 {
		outputRatio = 1.0
	}
	input := ApproximateTokens(prompt) + imageCount*ImageTokenSurcharge
	return core.UsageDetails{
		InputTokens:  input,
		OutputTokens: int(math.Round(float64(input) * outputRatio)),
	}
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
