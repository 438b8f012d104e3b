package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"ai_strategy/internal/domain"
)

// CreateStrategy validates and stores a new strategy. New strategies start
// inactive in both modes unless the caller set the flags explicitly.
func (s *Service) CreateStrategy(ctx context.Context, cfg domain.StrategyConfig) (domain.StrategyConfig, error) {
	cfg.NormalizeSymbols()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Type)
	}
	now := s.now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now
	cfg.Performance = nil

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if _, err := s.repo.GetStrategy(ctx, cfg.ID); err == nil {
		return cfg, fmt.Errorf("strategy %s already exists", cfg.ID)
	}
	if err := s.repo.SaveStrategy(ctx, cfg); err != nil {
		return cfg, err
	}
	log.Printf("[策略] 已创建 %s 名称=%s 类型=%s AI=%v", cfg.ID, cfg.Name, cfg.Type, cfg.UsesAI)
	return s.withPerformance(cfg), nil
}

// UpdateStrategy replaces a strategy's settings for the given mode. The edit
// is rejected while the strategy is active in that mode. Activation flags are
// only changed through SetActive.
func (s *Service) UpdateStrategy(ctx context.Context, id string, mode domain.Mode, cfg domain.StrategyConfig) (domain.StrategyConfig, error) {
	if !mode.Valid() {
		return cfg, fmt.Errorf("unknown mode %q", mode)
	}
	cfg.NormalizeSymbols()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	existing, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return cfg, err
	}
	if existing.ActiveIn(mode) {
		return existing, fmt.Errorf("%w: %s is active in %s mode", domain.ErrStrategyActive, id, mode)
	}

	cfg.ID = id
	cfg.ActivePaper = existing.ActivePaper
	cfg.ActiveReal = existing.ActiveReal
	cfg.CreatedAt = existing.CreatedAt
	cfg.UpdatedAt = s.now()
	cfg.Performance = nil
	if cfg.Name == "" {
		cfg.Name = existing.Name
	}
	if err := s.repo.SaveStrategy(ctx, cfg); err != nil {
		return cfg, err
	}
	s.engine.Forget(id)
	log.Printf("[策略] 已更新 %s 模式=%s 类型=%s", id, mode, cfg.Type)
	return s.withPerformance(cfg), nil
}

// SetActive toggles a strategy in one mode.
func (s *Service) SetActive(ctx context.Context, id string, mode domain.Mode, active bool) (domain.StrategyConfig, error) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return cfg, err
	}
	switch mode {
	case domain.ModePaper:
		cfg.ActivePaper = active
	case domain.ModeReal:
		cfg.ActiveReal = active
	default:
		return cfg, fmt.Errorf("unknown mode %q", mode)
	}
	cfg.UpdatedAt = s.now()
	if err := s.repo.SaveStrategy(ctx, cfg); err != nil {
		return cfg, err
	}
	log.Printf("[策略] %s 模式=%s 启用=%v", id, mode, active)
	return s.withPerformance(cfg), nil
}

// DeleteStrategy removes a strategy that is inactive in every mode.
func (s *Service) DeleteStrategy(ctx context.Context, id string) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	cfg, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return err
	}
	if cfg.ActivePaper || cfg.ActiveReal {
		return fmt.Errorf("%w: deactivate %s before deleting it", domain.ErrStrategyActive, id)
	}
	if err := s.repo.DeleteStrategy(ctx, id); err != nil {
		return err
	}
	s.engine.Forget(id)
	log.Printf("[策略] 已删除 %s", id)
	return nil
}

func (s *Service) GetStrategy(ctx context.Context, id string) (domain.StrategyConfig, error) {
	cfg, err := s.repo.GetStrategy(ctx, id)
	if err != nil {
		return cfg, err
	}
	return s.withPerformance(cfg), nil
}

func (s *Service) ListStrategies(ctx context.Context) ([]domain.StrategyConfig, error) {
	cfgs, err := s.repo.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	for i := range cfgs {
		cfgs[i] = s.withPerformance(cfgs[i])
	}
	return cfgs, nil
}

func (s *Service) withPerformance(cfg domain.StrategyConfig) domain.StrategyConfig {
	if s.perf != nil {
		cfg.Performance = s.perf.ForStrategy(cfg.ID)
	}
	return cfg
}
