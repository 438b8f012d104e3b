package assess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"ai_strategy/internal/config"
	"ai_strategy/internal/domain"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// ErrUnavailable is returned whenever no usable assessment could be produced.
var ErrUnavailable = errors.New("ai assessment unavailable")

// StrategyContext is what the assessor gets to see about the local signal.
type StrategyContext struct {
	Strategy domain.StrategyConfig
	Signal   domain.Signal
	Bars     []domain.Bar
	Prices   map[string]float64
}

type Assessor interface {
	Assess(ctx context.Context, opp domain.Opportunity, sc StrategyContext) (domain.AIAssessment, error)
}

// FallbackAssessor is used when AI is disabled or could not be initialised.
type FallbackAssessor struct{}

func (FallbackAssessor) Assess(context.Context, domain.Opportunity, StrategyContext) (domain.AIAssessment, error) {
	return domain.AIAssessment{}, ErrUnavailable
}

type llmResponse struct {
	Action     string   `json:"action"`
	Signal     string   `json:"signal"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Reason     string   `json:"reason"`
	Warnings   []string `json:"warnings"`
	Checks     []struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
		Detail string `json:"detail"`
	} `json:"checks"`
}

type LangChainAssessor struct {
	model        llms.Model
	modelName    string
	timeout      time.Duration
	systemPrompt string
	userTemplate string
}

func New(cfg config.Config) Assessor {
	fallback := FallbackAssessor{}
	if !cfg.AIEnabled {
		log.Printf("[评估] AI 评估已关闭，信号将以 ai_unavailable 直通")
		return fallback
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		log.Printf("[评估] 未配置 OPENAI_API_KEY，使用降级评估器")
		return fallback
	}

	opts := []openai.Option{
		openai.WithToken(cfg.OpenAIAPIKey),
		openai.WithModel(cfg.OpenAIModel),
	}
	if strings.TrimSpace(cfg.OpenAIBaseURL) != "" {
		opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		log.Printf("[评估] 初始化大模型客户端失败: %v，使用降级评估器", err)
		return fallback
	}

	a := NewLangChainAssessor(llm, cfg.OpenAIModel, time.Duration(cfg.AITimeoutSec)*time.Second)
	if sys := loadFile("AssessSystemPrompt.md"); sys != "" {
		a.systemPrompt = sys
	}
	if tmpl := loadFile("AssessUserPrompt.md"); tmpl != "" {
		a.userTemplate = tmpl
	}
	log.Printf("[评估] 大模型已就绪 模型=%s 系统提示词=%d字符 用户模板=%d字符",
		cfg.OpenAIModel, len(a.systemPrompt), len(a.userTemplate))
	return a
}

func NewLangChainAssessor(model llms.Model, modelName string, timeout time.Duration) *LangChainAssessor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LangChainAssessor{
		model:        model,
		modelName:    modelName,
		timeout:      timeout,
		systemPrompt: defaultSystemPrompt,
		userTemplate: defaultUserTemplate,
	}
}

func loadFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func (a *LangChainAssessor) Assess(ctx context.Context, opp domain.Opportunity, sc StrategyContext) (domain.AIAssessment, error) {
	userPrompt, err := BuildPrompt(a.userTemplate, opp, sc)
	if err != nil {
		return domain.AIAssessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextContent{Text: a.systemPrompt}},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: userPrompt}},
		},
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	t0 := time.Now()
	resp, err := a.model.GenerateContent(callCtx, messages)
	elapsed := time.Since(t0)
	if err != nil {
		log.Printf("[评估] ✘ 大模型调用失败 策略=%s 机会=%s (耗时%s): %v", sc.Strategy.ID, opp.ID, elapsed, err)
		return domain.AIAssessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		log.Printf("[评估] ✘ 大模型返回空结果 策略=%s 机会=%s", sc.Strategy.ID, opp.ID)
		return domain.AIAssessment{}, fmt.Errorf("%w: empty response", ErrUnavailable)
	}

	choice := resp.Choices[0]
	_, _, totalTokens := extractTokenUsage(choice.GenerationInfo)

	parsed, err := parseLLMOutput(choice.Content)
	if err != nil {
		log.Printf("[评估] ✘ 解析大模型输出失败: %v，原始输出: %.300s", err, choice.Content)
		return domain.AIAssessment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := domain.AIAssessment{
		Confidence:  clamp(parsed.Confidence, 0, 1),
		Action:      normalizeAction(parsed.Action, parsed.Signal),
		Reasoning:   trimReason(firstNonEmpty(parsed.Reasoning, parsed.Reason)),
		Warnings:    cleanWarnings(parsed.Warnings),
		ModelName:   a.modelName,
		TotalTokens: totalTokens,
	}
	for _, c := range parsed.Checks {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out.Checks = append(out.Checks, domain.VerificationCheck{Name: c.Name, Passed: c.Passed, Detail: c.Detail})
	}

	log.Printf("[评估] ✔ 策略=%s 机会=%s 动作=%s 置信度=%.2f 警告=%d 未通过校验=%v Token=%d (耗时%s)",
		sc.Strategy.ID, opp.ID, out.Action, out.Confidence, len(out.Warnings), out.FailedChecks(), totalTokens, elapsed)
	return out, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

func parseLLMOutput(raw string) (llmResponse, error) {
	var out llmResponse
	clean := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(clean), &out); err == nil {
		return out, nil
	}

	match := jsonObject.FindString(clean)
	if match == "" {
		return out, fmt.Errorf("no JSON object in model response")
	}
	if err := json.Unmarshal([]byte(match), &out); err != nil {
		return out, fmt.Errorf("decode model JSON: %w", err)
	}
	return out, nil
}

func normalizeAction(action, signal string) domain.Direction {
	for _, v := range []string{action, signal} {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "buy", "long", "buy_to_enter":
			return domain.DirectionBuy
		case "sell", "short", "sell_to_enter":
			return domain.DirectionSell
		case "hold", "none", "close", "wait":
			return domain.DirectionNone
		}
	}
	// 未知动作视为不交易
	return domain.DirectionNone
}

func cleanWarnings(in []string) []string {
	var out []string
	for _, w := range in {
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func trimReason(reason string) string {
	clean := strings.TrimSpace(reason)
	if clean == "" {
		return "模型未给出理由"
	}
	if len(clean) <= 500 {
		return clean
	}
	return clean[:500]
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// extractTokenUsage 从 LangChainGo GenerationInfo 中提取 token 用量
func extractTokenUsage(info map[string]any) (prompt, completion, total int) {
	if info == nil {
		return 0, 0, 0
	}
	prompt = toInt(info["PromptTokens"])
	completion = toInt(info["CompletionTokens"])
	total = toInt(info["TotalTokens"])
	if total == 0 && (prompt > 0 || completion > 0) {
		total = prompt + completion
	}
	return
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
