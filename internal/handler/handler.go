package handler

import (
	"errors"
	"io"
	"strconv"
	"time"

	"sakaledger/internal/guard"
	"sakaledger/internal/job"
	"sakaledger/internal/model"
	"sakaledger/internal/repository"
	"sakaledger/internal/service"
	"sakaledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger    *service.LedgerService
	metrics   *service.MetricsService
	monitor   *service.IntegrityMonitor
	scheduler *job.Scheduler
}

type Deps struct {
	Ledger    *service.LedgerService
	Metrics   *service.MetricsService
	Monitor   *service.IntegrityMonitor
	Scheduler *job.Scheduler
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		ledger:    d.Ledger,
		metrics:   d.Metrics,
		monitor:   d.Monitor,
		scheduler: d.Scheduler,
	}
}

// writeError 用户可见的结果走业务码，完整性违规与系统故障返回 500
// 流水类型 / 方向不匹配是代码缺陷，不是用户输入错误
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidUserID),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidWindow),
		errors.Is(err, service.ErrInvalidFilter):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrUnknownReason):
		response.BusinessError(c, response.CodeUnknownReason, err.Error())
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, repository.ErrWalletNotFound):
		response.BusinessError(c, response.CodeWalletNotFound, err.Error())
	case errors.Is(err, service.ErrLockTimeout):
		response.BusinessError(c, response.CodeLockTimeout, err.Error())
	case errors.Is(err, job.ErrEngineBusy):
		response.BusinessError(c, response.CodeEngineBusy, err.Error())
	case errors.Is(err, service.ErrEngineDisabled):
		response.BusinessError(c, response.CodeEngineDisabled, err.Error())
	case errors.Is(err, repository.ErrCycleNotFound):
		response.BusinessError(c, response.CodeCycleNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidCycle):
		response.BusinessError(c, response.CodeInvalidCycle, err.Error())
	case errors.Is(err, guard.ErrIntegrityViolation),
		errors.Is(err, model.ErrInvalidTransaction):
		response.ServerError(c, err.Error())
	default:
		response.ServerError(c, "服务器内部错误")
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

// ============================================================
// 钱包
// ============================================================

type CreateWalletRequest struct {
	UserID int64 `json:"user_id" binding:"required,gt=0"`
}

// CreateWallet 用户服务在创建用户后调用，幂等
// POST /api/v1/saka/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	wallet, err := h.ledger.OnUserCreated(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, wallet)
}

// GetWallet
// GET /api/v1/saka/wallet?user_id=xxx
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	wallet, err := h.ledger.GetWallet(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":            wallet.UserID,
		"balance":            wallet.Balance,
		"total_harvested":    wallet.TotalHarvested,
		"total_planted":      wallet.TotalPlanted,
		"total_composted":    wallet.TotalComposted,
		"last_activity_date": wallet.LastActivityDate,
	})
}

type HarvestRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
	Amount *int64 `json:"amount"`
}

// Harvest
// POST /api/v1/saka/harvest
func (h *Handler) Harvest(c *gin.Context) {
	var req HarvestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	result, err := h.ledger.Harvest(c.Request.Context(), req.UserID, req.Reason, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

type SpendRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
	Amount int64  `json:"amount" binding:"required,gt=0"`
}

// Spend
// POST /api/v1/saka/spend
func (h *Handler) Spend(c *gin.Context) {
	var req SpendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	trans, err := h.ledger.Spend(c.Request.Context(), req.UserID, req.Reason, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, trans)
}

// ListTransactions
// GET /api/v1/saka/transactions?user_id=xxx&type=HARVEST&direction=EARN&reason=poll_vote&since=RFC3339&until=RFC3339&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	filter := repository.TransactionFilter{
		TransactionType: c.Query("type"),
		Direction:       c.Query("direction"),
		Reason:          c.Query("reason"),
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(repository.DefaultPageSize)))
	for param, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.ParamError(c, param+" 必须是 RFC3339 时间")
			return
		}
		t = t.UTC()
		*dst = &t
	}

	list, total, err := h.ledger.ListTransactions(c.Request.Context(), userID, filter)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

// GetSilo
// GET /api/v1/saka/silo
func (h *Handler) GetSilo(c *gin.Context) {
	silo, err := h.ledger.GetSiloState(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"total_balance":   silo.TotalBalance,
		"total_composted": silo.TotalComposted,
		"total_cycles":    silo.TotalCycles,
		"last_compost_at": silo.LastCompostAt,
	})
}

// ============================================================
// 周期与统计
// ============================================================

// ListCycles
// GET /api/v1/saka/cycles
func (h *Handler) ListCycles(c *gin.Context) {
	cycles, err := h.metrics.ListCycles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, cycles)
}

type CreateCycleRequest struct {
	Name      string    `json:"name" binding:"required"`
	StartDate time.Time `json:"start_date" binding:"required"`
	EndDate   time.Time `json:"end_date" binding:"required"`
	IsActive  bool      `json:"is_active"`
}

// CreateCycle
// POST /api/v1/admin/saka/cycles
func (h *Handler) CreateCycle(c *gin.Context) {
	var req CreateCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	cycle, err := h.metrics.CreateCycle(c.Request.Context(), service.CreateCycleRequest{
		Name:      req.Name,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		IsActive:  req.IsActive,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, cycle)
}

// CycleStats
// GET /api/v1/saka/metrics/cycles/:id
func (h *Handler) CycleStats(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "id 参数错误")
		return
	}
	stats, err := h.metrics.CycleStats(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, stats)
}

func queryDays(c *gin.Context) int {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil {
		return -1
	}
	return days
}

// CompostMetrics
// GET /api/v1/saka/metrics/compost?days=30
func (h *Handler) CompostMetrics(c *gin.Context) {
	m, err := h.metrics.CompostMetrics(c.Request.Context(), queryDays(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, m)
}

// RedistributionMetrics
// GET /api/v1/saka/metrics/redistribution?days=30
func (h *Handler) RedistributionMetrics(c *gin.Context) {
	m, err := h.metrics.RedistributionMetrics(c.Request.Context(), queryDays(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, m)
}

// GlobalTotals
// GET /api/v1/saka/metrics/global
func (h *Handler) GlobalTotals(c *gin.Context) {
	m, err := h.metrics.GlobalTotals(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, m)
}

// ============================================================
// 管理接口
// ============================================================

// EngineRunRequest 请求体可省略，默认真实执行
type EngineRunRequest struct {
	DryRun bool `json:"dry_run"`
}

// RunCompost 手动触发堆肥，与定时任务共用同一把锁
// POST /api/v1/admin/saka/compost/run
func (h *Handler) RunCompost(c *gin.Context) {
	var req EngineRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	runLog, err := h.scheduler.TriggerCompost(c.Request.Context(), req.DryRun, model.SourceAdmin)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, runLog)
}

// RunRedistribution
// POST /api/v1/admin/saka/redistribution/run
func (h *Handler) RunRedistribution(c *gin.Context) {
	var req EngineRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	report, err := h.scheduler.TriggerRedistribution(c.Request.Context(), req.DryRun, model.SourceAdmin)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, report)
}

// Reconcile
// GET /api/v1/admin/saka/reconcile?user_id=xxx
func (h *Handler) Reconcile(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	report, err := h.monitor.Reconcile(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, report)
}
