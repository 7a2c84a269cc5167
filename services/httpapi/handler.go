// Package httpapi exposes the outreach operations over gin under /v1.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"outreach-engine/pkg/db/pagination"
	"outreach-engine/pkg/errutil"
	pkgtask "outreach-engine/pkg/task"
	"outreach-engine/services/discovery"
	"outreach-engine/services/engagement"
	"outreach-engine/services/ledger"
	"outreach-engine/services/outreach"
	"outreach-engine/services/task"
	"outreach-engine/services/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

type Engine interface {
	Initiate(ctx context.Context, in outreach.InitiateInput) (*outreach.InitiateResult, error)
	Close(ctx context.Context, address string, amount int64) (*outreach.CloseResult, error)
	ListEngagements(ctx context.Context, filter engagement.Filter) ([]*engagement.Engagement, *pagination.PageInfo, error)
	LedgerSnapshot(ctx context.Context) (ledger.Snapshot, error)
}

type Runner interface {
	RunAdvance(ctx context.Context, trigger task.Trigger) (*task.Run, []outreach.Outcome, error)
	ListRuns(ctx context.Context, limit int) ([]*task.Run, error)
}

type Journal interface {
	ListEntries(ctx context.Context, kind ledger.Kind, limit int) ([]*ledger.Entry, error)
	VerifyChain(ctx context.Context) (bool, string, error)
}

type Withdrawals interface {
	Withdraw(ctx context.Context, in withdrawal.Input) (*withdrawal.Result, error)
	List(ctx context.Context, limit int) ([]*withdrawal.Request, error)
}

type Leads interface {
	Search(ctx context.Context, q discovery.Query) ([]discovery.Lead, error)
}

type Handler struct {
	engine      Engine
	runner      Runner
	journal     Journal
	withdrawals Withdrawals
	leads       Leads
	enqueuer    pkgtask.Enqueuer
}

type Params struct {
	fx.In
	Engine      *outreach.Engine
	Runner      *task.Service
	Ledger      *ledger.Service
	Withdrawals *withdrawal.Service
	Leads       *discovery.Service
	Enqueuer    pkgtask.Enqueuer `optional:"true"`
}

func NewHandler(p Params) *Handler {
	return &Handler{
		engine:      p.Engine,
		runner:      p.Runner,
		journal:     p.Ledger,
		withdrawals: p.Withdrawals,
		leads:       p.Leads,
		enqueuer:    p.Enqueuer,
	}
}

func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.POST("/engagements", h.initiate)
	v1.GET("/engagements", h.listEngagements)
	v1.POST("/engagements/advance", h.advance)
	v1.GET("/runs", h.listRuns)
	v1.POST("/contacts/close", h.close)

	v1.GET("/ledger", h.snapshot)
	v1.GET("/ledger/entries", h.listEntries)
	v1.GET("/ledger/verify", h.verify)

	v1.POST("/withdrawals", h.withdraw)
	v1.GET("/withdrawals", h.listWithdrawals)

	v1.GET("/leads", h.searchLeads)
}

func bindErr(err error) error {
	return errutil.ValidationFailed("invalid request body", err)
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errutil.ValidationFailed("limit must be a non-negative integer", err,
			errutil.WithDetails(errutil.Detail{Field: "limit", Message: "invalid"}))
	}
	return n, nil
}

func (h *Handler) initiate(c *gin.Context) {
	var in outreach.InitiateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(bindErr(err))
		return
	}

	res, err := h.engine.Initiate(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listEngagements(c *gin.Context) {
	var f engagement.Filter
	if err := c.ShouldBindQuery(&f.Pagination); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid pagination", err))
		return
	}
	if _, err := pagination.DecodeCursor(f.Cursor); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid cursor", err,
			errutil.WithDetails(errutil.Detail{Field: "cursor", Message: "invalid"})))
		return
	}

	switch s := engagement.Status(strings.ToUpper(c.Query("status"))); s {
	case "", engagement.StatusScheduled, engagement.StatusDone:
		f.Status = s
	default:
		_ = c.Error(errutil.ValidationFailed("unknown status", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "must be SCHEDULED or DONE"})))
		return
	}
	f.Address = c.Query("address")

	data, info, err := h.engine.ListEngagements(c.Request.Context(), f)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "page_info": info})
}

// advance runs a pass inline, or hands it to the worker with ?async=true.
func (h *Handler) advance(c *gin.Context) {
	if c.Query("async") == "true" {
		h.enqueueAdvance(c)
		return
	}

	run, outcomes, err := h.runner.RunAdvance(c.Request.Context(), task.TriggerHTTP)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if outcomes == nil {
		outcomes = []outreach.Outcome{}
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "outcomes": outcomes})
}

func (h *Handler) enqueueAdvance(c *gin.Context) {
	if h.enqueuer == nil {
		_ = c.Error(errutil.New(errutil.StatusServiceUnavailable, "task queue is not configured"))
		return
	}

	info, err := h.enqueuer.Enqueue(c.Request.Context(), asynq.NewTask(pkgtask.AdvanceTick, nil),
		asynq.Queue(pkgtask.QueueCritical), asynq.MaxRetry(0))
	if err != nil {
		_ = c.Error(errutil.New(errutil.StatusServiceUnavailable, "failed to enqueue advance", errutil.WithErr(err)))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": info.ID, "queue": info.Queue})
}

func (h *Handler) listRuns(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	runs, err := h.runner.ListRuns(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(errutil.StoreFailed("failed to list runs", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": runs})
}

type closeRequest struct {
	ContactAddress string `json:"contact_address"`
	Amount         int64  `json:"amount"`
}

func (h *Handler) close(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(bindErr(err))
		return
	}

	res, err := h.engine.Close(c.Request.Context(), req.ContactAddress, req.Amount)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) snapshot(c *gin.Context) {
	snap, err := h.engine.LedgerSnapshot(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) listEntries(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	kind := ledger.Kind(strings.ToUpper(c.Query("kind")))
	switch kind {
	case "", ledger.KindContactSent, ledger.KindContactClosed, ledger.KindWithdrawal:
	default:
		_ = c.Error(errutil.ValidationFailed("unknown entry kind", nil,
			errutil.WithDetails(errutil.Detail{Field: "kind", Message: "invalid"})))
		return
	}

	entries, err := h.journal.ListEntries(c.Request.Context(), kind, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func (h *Handler) verify(c *gin.Context) {
	ok, broken, err := h.journal.VerifyChain(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":           ok,
		"broken_entry_id": broken,
		"checked_at":      time.Now().UTC(),
	})
}

func (h *Handler) withdraw(c *gin.Context) {
	var in withdrawal.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(bindErr(err))
		return
	}

	res, err := h.withdrawals.Withdraw(c.Request.Context(), in)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) listWithdrawals(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out, err := h.withdrawals.List(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (h *Handler) searchLeads(c *gin.Context) {
	var q discovery.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query", err))
		return
	}

	leads, err := h.leads.Search(c.Request.Context(), q)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if leads == nil {
		leads = []discovery.Lead{}
	}
	c.JSON(http.StatusOK, gin.H{"data": leads})
}
