package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config centralizes runtime settings for the strategy pipeline and its host process.
type Config struct {
	HTTPAddr          string
	SQLiteDSN         string
	RequestTimeoutSec int

	// 机会评估全流程（含 AI 与下单）的上限
	PipelineTimeoutSec int

	// AI 评估
	AIEnabled     bool
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIBaseURL string
	AITimeoutSec  int

	MarketBaseURL     string
	ExchangeBaseURL   string
	ExchangeAPIKey    string
	ExchangeSecretKey string

	// 资金与风控
	PaperCapitalUSDT     float64
	RealCapitalUSDT      float64
	PaperMinConfidence   float64
	RealMinConfidence    float64
	DailyCapFraction     float64
	ThrottledCapFraction float64
	TradeCapitalFraction float64 // 单笔占用资金比例（策略可覆盖）
	RealTradeQuota       int
	RiskThrottleScope    string // "global", "symbol", "strategy"
	StopLossCooldownMin  int
	TradingTZ            string

	// 持仓管理
	PaperSlippagePct   float64
	ExitMaxRetries     int
	ExitRetryBackoffMs int
	MonitorIntervalSec int
	StreamEnabled      bool
	StreamURL          string

	// 交易所保护
	RateLimitOrdersPerMin int
	BreakerThreshold      int
	BreakerCooldownSec    int
	DupSuppressWindowMs   int

	// Kafka
	KafkaBrokers          []string
	KafkaEventTopic       string
	KafkaOpportunityTopic string
	KafkaConsumerGroup    string

	// 定时扫描
	AutoRunEnabled       bool
	AutoRunInterval      int // 秒
	AutoRunPairs         string
	OpportunityMaxAgeSec int
}

func Load() Config {
	// Auto-load .env file if present (won't override existing env vars)
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	return Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		SQLiteDSN:          getEnv("SQLITE_DSN", "file:./ai_strategy.db?_pragma=busy_timeout(5000)"),
		RequestTimeoutSec:  getEnvInt("REQUEST_TIMEOUT_SEC", 15),
		PipelineTimeoutSec: getEnvInt("PIPELINE_TIMEOUT_SEC", 90),

		AIEnabled:     getEnvBool("AI_ENABLED", true),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		AITimeoutSec:  getEnvInt("AI_TIMEOUT_SEC", 30),

		MarketBaseURL:     getEnv("MARKET_BASE_URL", "https://api.binance.com"),
		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://api.binance.com"),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeSecretKey: getEnv("EXCHANGE_SECRET_KEY", ""),

		PaperCapitalUSDT:     getEnvFloat("PAPER_CAPITAL_USDT", 10000),
		RealCapitalUSDT:      getEnvFloat("REAL_CAPITAL_USDT", 1000),
		PaperMinConfidence:   getEnvFloat("PAPER_MIN_CONFIDENCE", 0.80),
		RealMinConfidence:    getEnvFloat("REAL_MIN_CONFIDENCE", 0.95),
		DailyCapFraction:     getEnvFloat("DAILY_CAP_FRACTION", 0.50),
		ThrottledCapFraction: getEnvFloat("THROTTLED_CAP_FRACTION", 0.25),
		TradeCapitalFraction: getEnvFloat("TRADE_CAPITAL_FRACTION", 0.10),
		RealTradeQuota:       getEnvInt("REAL_TRADE_QUOTA", 5),
		RiskThrottleScope:    getEnv("RISK_THROTTLE_SCOPE", "symbol"),
		StopLossCooldownMin:  getEnvInt("STOP_LOSS_COOLDOWN_MIN", 60),
		TradingTZ:            getEnv("TRADING_TZ", "UTC"),

		PaperSlippagePct:   getEnvFloat("PAPER_SLIPPAGE_PCT", 0.05),
		ExitMaxRetries:     getEnvInt("EXIT_MAX_RETRIES", 5),
		ExitRetryBackoffMs: getEnvInt("EXIT_RETRY_BACKOFF_MS", 500),
		MonitorIntervalSec: getEnvInt("MONITOR_INTERVAL_SEC", 5),
		StreamEnabled:      getEnvBool("STREAM_ENABLED", false),
		StreamURL:          getEnv("STREAM_URL", "wss://stream.binance.com:9443/ws"),

		RateLimitOrdersPerMin: getEnvInt("RATE_LIMIT_ORDERS_PER_MIN", 10),
		BreakerThreshold:      getEnvInt("BREAKER_THRESHOLD", 3),
		BreakerCooldownSec:    getEnvInt("BREAKER_COOLDOWN_SEC", 60),
		DupSuppressWindowMs:   getEnvInt("DUP_SUPPRESS_WINDOW_MS", 1500),

		KafkaBrokers:          splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaEventTopic:       getEnv("KAFKA_EVENT_TOPIC", "trading.events"),
		KafkaOpportunityTopic: getEnv("KAFKA_OPPORTUNITY_TOPIC", "trading.opportunities"),
		KafkaConsumerGroup:    getEnv("KAFKA_CONSUMER_GROUP", "ai-strategy"),

		AutoRunEnabled:       getEnvBool("AUTO_RUN_ENABLED", false),
		AutoRunInterval:      getEnvInt("AUTO_RUN_INTERVAL_SEC", 60),
		AutoRunPairs:         getEnv("AUTO_RUN_PAIRS", "BTCUSDT"),
		OpportunityMaxAgeSec: getEnvInt("OPPORTUNITY_MAX_AGE_SEC", 120),
	}
}

// exchangeTimeout matches the HTTP client timeout of the exchange adapter.
const exchangeTimeout = 15 * time.Second

// PipelineTimeout bounds one opportunity evaluation. It never undercuts the AI
// call plus an entry order, nor the plain request timeout.
func (c Config) PipelineTimeout() time.Duration {
	d := time.Duration(c.PipelineTimeoutSec) * time.Second
	floor := time.Duration(c.AITimeoutSec)*time.Second + exchangeTimeout
	return max(d, floor, time.Duration(c.RequestTimeoutSec)*time.Second)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// splitList 解析逗号分隔的列表，忽略空项
func splitList(raw string) []string {
	out := []string{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
