package llm

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Price 是每个令牌的美元单价。
type Price struct {
	Prompt     decimal.Decimal
	Completion decimal.Decimal
}

// Pricing 按模型计算调用费用。未知模型使用 Default；SelfHosted 为真时费用恒为 0。
type Pricing struct {
	Models     map[string]Price
	Default    Price
	SelfHosted bool
}

// DefaultPricing 返回常见托管模型的参考单价。
func DefaultPricing() Pricing {
	return Pricing{
		Models: map[string]Price{
			"gpt-4o":      perMillion("2.50", "10.00"),
			"gpt-4o-mini": perMillion("0.15", "0.60"),
			"gpt-4.1":     perMillion("2.00", "8.00"),
		},
		Default: perMillion("3.00", "6.00"),
	}
}

// SelfHostedPricing 返回零费用定价，用于本地部署的模型。
func SelfHostedPricing() Pricing {
	return Pricing{SelfHosted: true}
}

// Cost 计算一次调用的费用。
func (p Pricing) Cost(model string, promptTokens, completionTokens int) decimal.Decimal {
	if p.SelfHosted {
		return decimal.Zero
	}
	price, ok := p.Models[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		price = p.Default
	}
	promptCost := price.Prompt.Mul(decimal.NewFromInt(int64(promptTokens)))
	completionCost := price.Completion.Mul(decimal.NewFromInt(int64(completionTokens)))
	return promptCost.Add(completionCost)
}

// PerMillion 将每百万令牌的价格换算为单令牌价格。
func PerMillion(prompt, completion decimal.Decimal) Price {
	million := decimal.NewFromInt(1_000_000)
	return Price{Prompt: prompt.Div(million), Completion: completion.Div(million)}
}

func perMillion(prompt, completion string) Price {
	return PerMillion(decimal.RequireFromString(prompt), decimal.RequireFromString(completion))
}
