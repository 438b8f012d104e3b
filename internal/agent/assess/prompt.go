package assess

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
)

const defaultSystemPrompt = `You are a risk reviewer for an automated crypto trading system.
A local strategy has produced a trade signal. Verify the market data it was based on,
then give your own view of the trade.

Respond with a single JSON object and nothing else:
{
  "action": "buy" | "sell" | "hold",
  "confidence": number between 0 and 1,
  "reasoning": "short explanation",
  "warnings": ["risk warning", ...],
  "checks": [{"name": "price_consistency", "passed": true, "detail": "..."}, ...]
}
Mark a check as failed when the data looks stale, inconsistent or manipulated.`

const defaultUserTemplate = `Opportunity {{.OpportunityID}} ({{.Source}}) on {{.Symbol}}, detected {{.DetectedAt}}.

Strategy: {{.StrategyName}} [{{.StrategyType}}] timeframe={{.Timeframe}}
Local signal: {{.Direction}} confidence={{.Confidence}}
{{- if .Indicators}}
Indicators:
{{- range .Indicators}}
- {{.Name}} = {{.Value}}
{{- end}}
{{- end}}
{{- if .BarCount}}

Last {{.BarCount}} closes: {{.Closes}}
Last {{.BarCount}} volumes: {{.Volumes}}
ATR14: {{.ATR}}
{{- end}}
{{- if .Prices}}

Latest prices:
{{- range .Prices}}
- {{.Name}} = {{.Value}}
{{- end}}
{{- end}}
{{- if .Payload}}

Source payload: {{.Payload}}
{{- end}}`

// PromptData holds all template fields for the user prompt.
type PromptData struct {
	OpportunityID string
	Source        string
	Symbol        string
	DetectedAt    string

	StrategyName string
	StrategyType string
	Timeframe    string

	Direction  string
	Confidence string
	Indicators []NamedValue

	BarCount int
	Closes   string
	Volumes  string
	ATR      string

	Prices  []NamedValue
	Payload string
}

type NamedValue struct {
	Name  string
	Value string
}

// BuildPrompt renders the user prompt for one opportunity/strategy pair.
func BuildPrompt(tmpl string, opp domain.Opportunity, sc StrategyContext) (string, error) {
	data := buildPromptData(opp, sc)

	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	return buf.String(), nil
}

func buildPromptData(opp domain.Opportunity, sc StrategyContext) PromptData {
	prec := pricePrecision(opp.Symbol)
	data := PromptData{
		OpportunityID: opp.ID,
		Source:        string(opp.Source),
		Symbol:        opp.Symbol,
		DetectedAt:    opp.DetectedAt.UTC().Format("2006-01-02 15:04:05Z"),
		StrategyName:  sc.Strategy.Name,
		StrategyType:  string(sc.Strategy.Type),
		Timeframe:     sc.Strategy.Timeframe,
		Direction:     string(sc.Signal.Direction),
		Confidence:    ff(sc.Signal.Confidence, 3),
		Indicators:    sortedValues(sc.Signal.Indicators, 6),
		Prices:        sortedValues(sc.Prices, 8),
	}
	if len(opp.Payload) > 0 && len(opp.Payload) <= 2000 {
		data.Payload = string(opp.Payload)
	}

	if len(sc.Bars) > 0 {
		closes := market.Closes(sc.Bars)
		highs := make([]float64, len(sc.Bars))
		lows := make([]float64, len(sc.Bars))
		vols := make([]float64, len(sc.Bars))
		for i, b := range sc.Bars {
			highs[i], lows[i], vols[i] = b.High, b.Low, b.Volume
		}
		n := min(len(closes), 10)
		data.BarCount = n
		data.Closes = joinLast(closes, n, prec)
		data.Volumes = joinLast(vols, n, 0)
		data.ATR = lastFF(market.ATR(highs, lows, closes, 14), prec)
	}
	return data
}

// ---- helpers ----

func sortedValues(m map[string]float64, decimals int) []NamedValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]NamedValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, NamedValue{Name: k, Value: ff(m[k], decimals)})
	}
	return out
}

func ff(v float64, decimals int) string {
	return fmt.Sprintf("%.*f", decimals, v)
}

func joinLast(s []float64, n int, decimals int) string {
	if len(s) == 0 {
		return "N/A"
	}
	start := len(s) - n
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, n)
	for _, v := range s[start:] {
		parts = append(parts, ff(v, decimals))
	}
	return strings.Join(parts, ", ")
}

func lastFF(s []float64, decimals int) string {
	if len(s) == 0 {
		return "N/A"
	}
	return ff(s[len(s)-1], decimals)
}

func pricePrecision(pair string) int {
	p := strings.ToUpper(pair)
	switch {
	case strings.HasPrefix(p, "BTC"), strings.HasPrefix(p, "ETH"), strings.HasPrefix(p, "BNB"):
		return 2
	default:
		return 4
	}
}
