// Package cost prices usage facts. All prices are USD per one million tokens.
package cost

import (
	"sort"
	"strings"
	"sync"

	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

type ModelPricing struct {
	InputPerMillion      decimal.Decimal `json:"input_per_million" yaml:"input_per_million"`
	OutputPerMillion     decimal.Decimal `json:"output_per_million" yaml:"output_per_million"`
	CacheReadPerMillion  decimal.Decimal `json:"cache_read_per_million" yaml:"cache_read_per_million"`
	CacheWritePerMillion decimal.Decimal `json:"cache_write_per_million" yaml:"cache_write_per_million"`
}

func pricing(in, out, cacheRead, cacheWrite string) ModelPricing {
	return ModelPricing{
		InputPerMillion:      decimal.RequireFromString(in),
		OutputPerMillion:     decimal.RequireFromString(out),
		CacheReadPerMillion:  decimal.RequireFromString(cacheRead),
		CacheWritePerMillion: decimal.RequireFromString(cacheWrite),
	}
}

func defaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		"claude-opus-4-6":   pricing("5", "25", "0.5", "6.25"),
		"claude-opus-4-5":   pricing("5", "25", "0.5", "6.25"),
		"claude-opus-4-1":   pricing("15", "75", "1.5", "18.75"),
		"claude-sonnet-4-5": pricing("3", "15", "0.3", "3.75"),
		"claude-sonnet-4":   pricing("3", "15", "0.3", "3.75"),
		"claude-haiku-4-5":  pricing("1", "5", "0.1", "1.25"),
		"claude-3-5-haiku":  pricing("0.8", "4", "0.08", "1"),
	}
}

// Calculator looks prices up by exact model name first, then by the longest
// known name contained in the model, so backend identifiers such as
// "global.anthropic.claude-sonnet-4-5-20250929-v1:0" resolve to their family.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	return &Calculator{
		pricing: defaultPricing(),
	}
}

func (c *Calculator) Lookup(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.pricing[model]; ok {
		return p, true
	}

	best := ""
	for name := range c.pricing {
		if strings.Contains(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return c.pricing[best], true
}

// Calculate prices one usage fact. Unknown models cost zero.
func (c *Calculator) Calculate(record domain.UsageRecord) decimal.Decimal {
	p, ok := c.Lookup(record.Model)
	if !ok {
		return decimal.Zero
	}

	total := p.InputPerMillion.Mul(decimal.NewFromInt(int64(record.PromptTokens))).
		Add(p.OutputPerMillion.Mul(decimal.NewFromInt(int64(record.CompletionTokens)))).
		Add(p.CacheReadPerMillion.Mul(decimal.NewFromInt(int64(record.CachedTokens)))).
		Add(p.CacheWritePerMillion.Mul(decimal.NewFromInt(int64(record.CacheWriteTokens))))

	return total.Div(million)
}

// Estimate prices a hypothetical request.
func (c *Calculator) Estimate(model string, promptTokens, completionTokens int) decimal.Decimal {
	return c.Calculate(domain.UsageRecord{
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	})
}

func (c *Calculator) SetPricing(model string, p ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = p
}

type PricedModel struct {
	Model string `json:"model"`
	ModelPricing
}

// List returns the price table sorted by model name.
func (c *Calculator) List() []PricedModel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PricedModel, 0, len(c.pricing))
	for name, p := range c.pricing {
		out = append(out, PricedModel{Model: name, ModelPricing: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
