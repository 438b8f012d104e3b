package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/market"
	"ai_strategy/internal/orchestrator"
)

// Processor runs one opportunity through the pipeline.
type Processor interface {
	ProcessOpportunity(ctx context.Context, opp domain.Opportunity) (orchestrator.Report, error)
}

// Scheduler 定时为观察列表生成内部扫描机会
type Scheduler struct {
	processor Processor
	interval  time.Duration
	pairs     []string
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// New 创建定时调度器
func New(processor Processor, intervalSec int, pairsStr string) *Scheduler {
	pairs := []string{}
	for _, p := range strings.Split(pairsStr, ",") {
		if sym := market.PairToSymbol(p); sym != "" {
			pairs = append(pairs, sym)
		}
	}
	if len(pairs) == 0 {
		pairs = []string{"BTCUSDT"}
	}
	if intervalSec <= 0 {
		intervalSec = 60
	}

	return &Scheduler{
		processor: processor,
		interval:  time.Duration(intervalSec) * time.Second,
		pairs:     pairs,
		stop:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start 启动定时任务（非阻塞，在后台 goroutine 运行）
func (s *Scheduler) Start() {
	log.Printf("[定时器] 已启动 间隔=%s 交易对=%v", s.interval, s.pairs)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runAll()
			case <-s.stop:
				log.Println("[定时器] 已停止")
				return
			}
		}
	}()
}

// Stop 停止定时任务
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scheduler) runAll() {
	for _, pair := range s.pairs {
		s.runOnce(pair)
	}
}

// scanID 同一周期内同一币对只生成一个机会 ID，重复触发会被去重
func (s *Scheduler) scanID(pair string, at time.Time) string {
	bucket := at.Truncate(s.interval).Unix()
	return fmt.Sprintf("scan-%s-%d", pair, bucket)
}

func (s *Scheduler) runOnce(pair string) {
	now := s.now()
	opp := domain.Opportunity{
		ID:         s.scanID(pair, now),
		Symbol:     pair,
		Source:     domain.SourceInternalScan,
		DetectedAt: now,
	}
	log.Printf("[定时器] 自动扫描 %s", pair)

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	rep, err := s.processor.ProcessOpportunity(ctx, opp)
	if err != nil {
		log.Printf("[定时器] ✘ %s 执行失败: %v", pair, err)
		return
	}
	if rep.Skipped {
		log.Printf("[定时器] %s 已跳过: %s", pair, rep.Reason)
		return
	}

	approved := 0
	for _, d := range rep.Decisions {
		if d.Approved {
			approved++
		}
	}
	log.Printf("[定时器] ✔ %s 执行完成 策略=%d 信号=%d 决策=%d 批准=%d",
		pair, rep.Evaluated, len(rep.Signals), len(rep.Decisions), approved)
}
