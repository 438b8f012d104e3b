package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ai_strategy/internal/agent/assess"
	"ai_strategy/internal/agent/execution"
	"ai_strategy/internal/agent/performance"
	"ai_strategy/internal/agent/position"
	"ai_strategy/internal/agent/risk"
	"ai_strategy/internal/agent/strategy"
	"ai_strategy/internal/config"
	"ai_strategy/internal/domain"
	httpapi "ai_strategy/internal/http"
	"ai_strategy/internal/intake"
	"ai_strategy/internal/market"
	"ai_strategy/internal/notify"
	"ai_strategy/internal/orchestrator"
	"ai_strategy/internal/scheduler"
	"ai_strategy/internal/store"
)

func main() {
	resetData := flag.Bool("reset-data", false, "清空所有业务数据（策略、持仓、资金、绩效、决策）后再启动")
	flag.Parse()

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLiteRepository(cfg.SQLiteDSN)
	if err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer repo.Close()

	if err := repo.Init(ctx); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	if *resetData {
		if err := repo.ResetAllData(ctx); err != nil {
			log.Fatalf("清空数据失败: %v", err)
		}
		log.Println("⚠ 已清空所有业务数据")
	}

	// 事件通知：日志始终开启，配置了 Kafka 时同时推送
	notifiers := notify.Multi{notify.LogNotifier{}}
	if len(cfg.KafkaBrokers) > 0 {
		kn, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			log.Printf("[通知] ⚠ Kafka 事件推送初始化失败: %v", err)
		} else {
			defer kn.Close()
			notifiers = append(notifiers, kn)
			log.Printf("[通知] Kafka 事件推送已启用 主题=%s", cfg.KafkaEventTopic)
		}
	}

	gate := risk.New(risk.SettingsFromConfig(cfg), repo, notifiers)
	if err := gate.Restore(ctx); err != nil {
		log.Fatalf("恢复资金状态失败: %v", err)
	}

	feed := market.NewClient(cfg.MarketBaseURL)

	cooldown := time.Duration(cfg.BreakerCooldownSec) * time.Second
	dupWindow := time.Duration(cfg.DupSuppressWindowMs) * time.Millisecond
	exchanges := map[domain.Mode]execution.Exchange{
		domain.ModePaper: execution.NewSafeExchange(execution.NewPaper(feed, cfg.PaperSlippagePct), execution.SafeOptions{
			Venue:            "paper",
			PerMinuteCap:     cfg.RateLimitOrdersPerMin,
			DupWindow:        dupWindow,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cooldown,
		}),
		domain.ModeReal: execution.NewSafeExchange(execution.NewBinance(cfg), execution.SafeOptions{
			Venue:            "binance",
			PerMinuteCap:     cfg.RateLimitOrdersPerMin,
			DupWindow:        dupWindow,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerCooldown:  cooldown,
		}),
	}

	perf := performance.New(repo)
	if err := perf.Restore(ctx); err != nil {
		log.Fatalf("恢复策略绩效失败: %v", err)
	}

	positions := position.NewManager(position.SettingsFromConfig(cfg), exchanges, feed, repo, perf, gate, notifiers)
	defer positions.Close()
	if err := positions.Restore(ctx); err != nil {
		log.Fatalf("恢复持仓失败: %v", err)
	}
	go positions.Run(ctx)

	if cfg.StreamEnabled {
		watch := []string{}
		for _, p := range strings.Split(cfg.AutoRunPairs, ",") {
			if sym := market.PairToSymbol(p); sym != "" {
				watch = append(watch, sym)
			}
		}
		stream := market.NewStream(cfg.StreamURL)
		go func() {
			if err := stream.Run(ctx, watch, positions.OnPrice); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[行情] 价格流已退出: %v", err)
			}
		}()
		log.Printf("[行情] 实时价格流已启用 币对=%v", watch)
	}

	service := orchestrator.New(repo, feed, strategy.NewEngine(), assess.New(cfg), gate, positions, perf, notifiers,
		orchestrator.Options{MaxOpportunityAge: time.Duration(cfg.OpportunityMaxAgeSec) * time.Second})

	// 外部机会接入
	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := intake.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, cfg.KafkaOpportunityTopic,
			func(ctx context.Context, opp domain.Opportunity) error {
				_, err := service.ProcessOpportunity(ctx, opp)
				return err
			})
		if err != nil {
			log.Fatalf("创建 Kafka 消费者失败: %v", err)
		}
		defer consumer.Close()
		if err := consumer.Start(ctx); err != nil {
			log.Fatalf("启动 Kafka 消费者失败: %v", err)
		}
	} else {
		log.Println("[机会接入] 未配置 KAFKA_BROKERS，仅接受 HTTP 提交的机会")
	}

	// 启动定时扫描
	if cfg.AutoRunEnabled {
		sched := scheduler.New(service, cfg.AutoRunInterval, cfg.AutoRunPairs)
		sched.Start()
		defer sched.Stop()
	} else {
		log.Println("[定时器] 未启用，设置 AUTO_RUN_ENABLED=true 开启定时扫描")
	}

	router := httpapi.NewRouter(service, repo, cfg.RequestTimeoutSec, cfg.PipelineTimeout())
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("关闭 HTTP 服务失败: %v", err)
		}
	}()

	log.Printf("AI Strategy 服务启动 地址=%s AI=%v Kafka=%v", cfg.HTTPAddr, cfg.AIEnabled, len(cfg.KafkaBrokers) > 0)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("启动服务失败: %v", err)
	}
	log.Println("服务已停止")
}
