// Package usage computes token and image costs from a pricing table and
// folds usage records into running stats.
package usage

import (
	"strings"
	"time"

	"github.com/albinc92/grok-bud/pkg/domain"
)

// Pricing holds per-unit USD rates for one model.
type Pricing struct {
	InputPerToken  float64
	OutputPerToken float64
	PerImage       float64
	PerVideoSecond float64
}

const perMillion = 1.0 / 1_000_000

var pricingTable = map[string]Pricing{
	"grok-3-mini":        {InputPerToken: 0.30 * perMillion, OutputPerToken: 0.50 * perMillion},
	"grok-3":             {InputPerToken: 3.00 * perMillion, OutputPerToken: 15.00 * perMillion},
	"grok-4":             {InputPerToken: 3.00 * perMillion, OutputPerToken: 15.00 * perMillion},
	"grok-4-fast":        {InputPerToken: 0.20 * perMillion, OutputPerToken: 0.50 * perMillion},
	"grok-code-fast-1":   {InputPerToken: 0.20 * perMillion, OutputPerToken: 1.50 * perMillion},
	"grok-2-image":       {PerImage: 0.07},
	"grok-imagine-video": {PerVideoSecond: 0.05},
}

// PricingFor returns the rates for model. Unknown models are priced as the
// default chat model.
func PricingFor(model string) Pricing {
	if p, ok := pricingTable[strings.ToLower(strings.TrimSpace(model))]; ok {
		return p
	}
	return pricingTable[domain.DefaultModel]
}

// ChatRecord builds a usage record for a chat completion.
func ChatRecord(model string, promptTokens, completionTokens int, now time.Time) domain.UsageRecord {
	p := PricingFor(model)
	return domain.UsageRecord{
		Timestamp:        now.UTC(),
		Endpoint:         domain.EndpointChat,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		EstimatedCost:    float64(promptTokens)*p.InputPerToken + float64(completionTokens)*p.OutputPerToken,
	}
}

// ImageRecord builds a usage record for n generated images.
func ImageRecord(model string, n int, now time.Time) domain.UsageRecord {
	p := PricingFor(model)
	return domain.UsageRecord{
		Timestamp:     now.UTC(),
		Endpoint:      domain.EndpointImage,
		Model:         model,
		EstimatedCost: float64(n) * p.PerImage,
		ImageCount:    n,
	}
}

// VideoRecord builds a usage record for a video request of the given length.
func VideoRecord(model string, seconds int, now time.Time) domain.UsageRecord {
	p := PricingFor(model)
	return domain.UsageRecord{
		Timestamp:     now.UTC(),
		Endpoint:      domain.EndpointVideo,
		Model:         model,
		EstimatedCost: float64(seconds) * p.PerVideoSecond,
	}
}

// Apply adds rec to stats and returns the result. History is kept
// most-recent-first and capped at domain.MaxUsageHistory.
func Apply(stats domain.UsageStats, rec domain.UsageRecord) domain.UsageStats {
	out := stats
	out.TotalTokens += rec.TotalTokens
	out.TotalCost += rec.EstimatedCost
	out.RequestCount++
	switch rec.Endpoint {
	case domain.EndpointChat:
		out.ChatTokens += rec.TotalTokens
	case domain.EndpointImage:
		out.ImageCount += rec.ImageCount
	}
	history := make([]domain.UsageRecord, 0, min(len(stats.History)+1, domain.MaxUsageHistory))
	history = append(history, rec)
	for _, h := range stats.History {
		if len(history) >= domain.MaxUsageHistory {
			break
		}
		history = append(history, h)
	}
	out.History = history
	return out
}

// Reset returns zeroed stats.
func Reset() domain.UsageStats {
	return domain.UsageStats{History: []domain.UsageRecord{}}
}
