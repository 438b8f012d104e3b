package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ai_strategy/internal/domain"
	"ai_strategy/internal/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Records 查询持仓与决策历史
type Records interface {
	GetPosition(ctx context.Context, id string) (domain.Position, error)
	ListPositions(ctx context.Context, status domain.PositionStatus, limit int) ([]domain.Position, error)
	ListDecisions(ctx context.Context, opportunityID string, limit int) ([]domain.TradeDecision, error)
}

type Handler struct {
	service  *orchestrator.Service
	records  Records
	timeout  time.Duration
	pipeline time.Duration
}

type activateRequest struct {
	Mode   domain.Mode `json:"mode"`
	Active bool        `json:"active"`
}

type resolveRequest struct {
	ExitPrice float64 `json:"exit_price"`
}

// NewRouter 注册 API 路由。pipelineTimeout 约束机会评估全流程，不短于普通请求超时
func NewRouter(service *orchestrator.Service, records Records, timeoutSec int, pipelineTimeout time.Duration) *gin.Engine {
	router := gin.Default()

	h := &Handler{
		service:  service,
		records:  records,
		timeout:  time.Duration(timeoutSec) * time.Second,
		pipeline: max(pipelineTimeout, time.Duration(timeoutSec)*time.Second),
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", h.health)

		v1.GET("/strategies", h.listStrategies)
		v1.POST("/strategies", h.createStrategy)
		v1.GET("/strategies/:id", h.getStrategy)
		v1.PUT("/strategies/:id", h.updateStrategy)
		v1.DELETE("/strategies/:id", h.deleteStrategy)
		v1.POST("/strategies/:id/activate", h.activateStrategy)

		v1.POST("/opportunities", h.submitOpportunity)
		v1.GET("/decisions", h.listDecisions)

		v1.GET("/positions", h.listPositions)
		v1.GET("/positions/active", h.activePositions)
		v1.GET("/positions/:id", h.getPosition)
		v1.POST("/positions/:id/resolve", h.resolvePosition)

		v1.GET("/performance", h.performance)
		v1.GET("/capital/:mode", h.capital)
	}

	return router
}

func (h *Handler) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// pipelineCtx 脱离客户端连接的取消，已开始的 AI 评估与下单不会被中途打断
func (h *Handler) pipelineCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.pipeline)
}

// writeError 将领域错误映射为 HTTP 状态码
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrStrategyNotFound), errors.Is(err, domain.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrStrategyActive):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseMode(raw string) (domain.Mode, bool) {
	m := domain.Mode(strings.ToLower(strings.TrimSpace(raw)))
	return m, m.Valid()
}

func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return n
		}
	}
	return def
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"time":             time.Now().UTC(),
		"active_positions": len(h.service.ActivePositions()),
	})
}

func (h *Handler) listStrategies(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	cfgs, err := h.service.ListStrategies(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(cfgs), "strategies": cfgs})
}

func (h *Handler) createStrategy(c *gin.Context) {
	var cfg domain.StrategyConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	created, err := h.service.CreateStrategy(ctx, cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) getStrategy(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	cfg, err := h.service.GetStrategy(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// updateStrategy 编辑指定模式下的策略配置，?mode=paper|real
func (h *Handler) updateStrategy(c *gin.Context) {
	mode, ok := parseMode(c.Query("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be paper or real"})
		return
	}
	var cfg domain.StrategyConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	updated, err := h.service.UpdateStrategy(ctx, c.Param("id"), mode, cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteStrategy(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.service.DeleteStrategy(ctx, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "strategy deleted"})
}

func (h *Handler) activateStrategy(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, ok := parseMode(string(req.Mode))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be paper or real"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	cfg, err := h.service.SetActive(ctx, c.Param("id"), mode, req.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// submitOpportunity 手动提交一个外部机会并同步返回评估报告
func (h *Handler) submitOpportunity(c *gin.Context) {
	var opp domain.Opportunity
	if err := c.ShouldBindJSON(&opp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(opp.Symbol) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing symbol"})
		return
	}
	opp.Source = domain.SourceExternalFeed

	ctx, cancel := h.pipelineCtx(c)
	defer cancel()

	rep, err := h.service.ProcessOpportunity(ctx, opp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) listDecisions(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	decisions, err := h.records.ListDecisions(ctx, c.Query("opportunity_id"), queryLimit(c, 100))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(decisions), "decisions": decisions})
}

func (h *Handler) listPositions(c *gin.Context) {
	ctx, cancel := h.ctx(c)
	defer cancel()

	status := domain.PositionStatus(strings.ToLower(c.Query("status")))
	positions, err := h.records.ListPositions(ctx, status, queryLimit(c, 50))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(positions), "positions": positions})
}

// activePositions 返回内存中的实时持仓（含最新止损位）
func (h *Handler) activePositions(c *gin.Context) {
	positions := h.service.ActivePositions()
	c.JSON(http.StatusOK, gin.H{"total": len(positions), "positions": positions})
}

func (h *Handler) getPosition(c *gin.Context) {
	if pos, ok := h.service.LivePosition(c.Param("id")); ok {
		c.JSON(http.StatusOK, pos)
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	pos, err := h.records.GetPosition(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

// resolvePosition 人工确认出场价格，结束等待人工处理的持仓
func (h *Handler) resolvePosition(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ExitPrice <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exit_price must be positive"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	pos, err := h.service.ResolvePosition(ctx, c.Param("id"), req.ExitPrice)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *Handler) performance(c *gin.Context) {
	records := h.service.Performance()
	c.JSON(http.StatusOK, gin.H{"total": len(records), "performance": records})
}

func (h *Handler) capital(c *gin.Context) {
	mode, ok := parseMode(c.Param("mode"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be paper or real"})
		return
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	st, err := h.service.Capital(ctx, mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
