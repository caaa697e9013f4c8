package handler

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	fiscalapp "github.com/erp/verifactu/internal/application/fiscal"
	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/interfaces/http/dto"
	"github.com/erp/verifactu/internal/interfaces/http/router"
)

// MaxWait bounds how long a task submission may block on its outcome
const MaxWait = 2 * time.Minute

// FiscalService is the part of the coordinator the API drives
type FiscalService interface {
	Enqueue(ctx context.Context, task fiscalapp.Task) (*fiscalapp.Handle, error)
	Cancel(taskID uuid.UUID) error
	Resubmit(ctx context.Context, entityID, recordID string) (*fiscalapp.Handle, error)
	RecordStatus(ctx context.Context, entityID, recordID string) (*fiscalapp.RecordStatus, error)
	ListRecords(ctx context.Context, entityID string, filter fiscalapp.RecordFilter) ([]fiscalapp.RecordStatus, int64, error)
	ChainHead(ctx context.Context, entityID string) (fiscal.ChainState, error)
	HaltedEntities() map[string]string
	ReleaseHalt(ctx context.Context, entityID, operator, reason string) error
}

var _ FiscalService = (*fiscalapp.Coordinator)(nil)

var knownStatuses = []fiscal.SubmissionStatus{
	fiscal.SubmissionStatusPending,
	fiscal.SubmissionStatusSent,
	fiscal.SubmissionStatusVerified,
	fiscal.SubmissionStatusRejected,
	fiscal.SubmissionStatusError,
}

// FiscalHandler handles the fiscal record API
type FiscalHandler struct {
	BaseHandler
	service   FiscalService
	submitMid []gin.HandlerFunc
}

// NewFiscalHandler creates a FiscalHandler. submitMiddleware runs before the
// task submission endpoints only, e.g. a per-entity rate limiter.
func NewFiscalHandler(service FiscalService, submitMiddleware ...gin.HandlerFunc) *FiscalHandler {
	return &FiscalHandler{service: service, submitMid: submitMiddleware}
}

// Routes returns the fiscal route group, mounted at /fiscal
func (h *FiscalHandler) Routes() *router.DomainGroup {
	g := router.NewDomainGroup("/fiscal")
	g.GET("/halts", h.ListHalts)
	g.DELETE("/tasks/:task_id", h.CancelTask)

	entity := g.Group("/entities/:entity_id")
	entity.POST("/tasks", append(slices.Clone(h.submitMid), h.EnqueueTask)...)
	entity.GET("/chain", h.GetChainHead)
	entity.GET("/records", h.ListRecords)
	entity.GET("/records/:record_id", h.GetRecord)
	entity.POST("/records/:record_id/resubmit", append(slices.Clone(h.submitMid), h.ResubmitRecord)...)
	entity.POST("/halt/release", h.ReleaseHalt)
	return g
}

// RegisterRoutes implements router.RouteRegistrar
func (h *FiscalHandler) RegisterRoutes(rg *gin.RouterGroup) {
	h.Routes().RegisterRoutes(rg)
}

// EnqueueTask godoc
// @ID           enqueueFiscalTask
// @Summary      Chain and submit records
// @Description  Validates the records, queues them behind the entity's earlier tasks and returns the task ID.
// @Description  With ?wait=<duration> the call blocks until the task finishes or the wait elapses.
// @Tags         fiscal
// @Accept       json
// @Produce      json
// @Param        entity_id path string true "Issuer tax ID"
// @Param        wait query string false "Maximum time to wait for the outcome, e.g. 30s"
// @Param        request body dto.EnqueueTaskRequest true "Records"
// @Success      202 {object} dto.Response
// @Success      200 {object} dto.Response
// @Failure      400 {object} dto.Response
// @Failure      423 {object} dto.Response
// @Failure      429 {object} dto.Response
// @Router       /fiscal/entities/{entity_id}/tasks [post]
func (h *FiscalHandler) EnqueueTask(c *gin.Context) {
	wait, ok := h.parseWait(c)
	if !ok {
		return
	}

	var req dto.EnqueueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindingError(c, err)
		return
	}
	records, err := req.ToRecords()
	if err != nil {
		h.HandleError(c, err)
		return
	}

	handle, err := h.service.Enqueue(c.Request.Context(), fiscalapp.Task{
		EntityID:             c.Param("entity_id"),
		Records:              records,
		Header:               req.ToHeader(),
		ExpectedPreviousHash: req.ExpectedPreviousHash,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.respondHandle(c, handle, wait)
}

// ResubmitRecord godoc
// @ID           resubmitFiscalRecord
// @Summary      Re-drive an exhausted record
// @Description  Gives the record's batch a fresh attempt budget. The chain is not touched.
// @Tags         fiscal
// @Produce      json
// @Param        entity_id path string true "Issuer tax ID"
// @Param        record_id path string true "Record ID"
// @Param        wait query string false "Maximum time to wait for the outcome"
// @Success      202 {object} dto.Response
// @Failure      404 {object} dto.Response
// @Failure      422 {object} dto.Response
// @Router       /fiscal/entities/{entity_id}/records/{record_id}/resubmit [post]
func (h *FiscalHandler) ResubmitRecord(c *gin.Context) {
	wait, ok := h.parseWait(c)
	if !ok {
		return
	}
	handle, err := h.service.Resubmit(c.Request.Context(), c.Param("entity_id"), c.Param("record_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.respondHandle(c, handle, wait)
}

func (h *FiscalHandler) parseWait(c *gin.Context) (time.Duration, bool) {
	raw := c.Query("wait")
	if raw == "" {
		return 0, true
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait < 0 {
		h.BadRequest(c, "wait must be a non-negative duration such as 30s")
		return 0, false
	}
	return min(wait, MaxWait), true
}

// respondHandle answers 202 with the task ID, or 200 with the outcome when
// the task finished within wait
func (h *FiscalHandler) respondHandle(c *gin.Context, handle *fiscalapp.Handle, wait time.Duration) {
	accepted := dto.TaskAcceptedResponse{
		TaskID:   handle.ID.String(),
		EntityID: handle.EntityID,
		Status:   "queued",
	}
	if wait <= 0 {
		h.Accepted(c, accepted)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		accepted.Status = "running"
		h.Accepted(c, accepted)
		return
	}
	h.Success(c, dto.NewTaskResultResponse(result))
}

// CancelTask godoc
// @ID           cancelFiscalTask
// @Summary      Cancel a queued task
// @Description  Only tasks no worker has picked up can be cancelled.
// @Tags         fiscal
// @Param        task_id path string true "Task ID"
// @Success      204
// @Failure      404 {object} dto.Response
// @Failure      409 {object} dto.Response
// @Router       /fiscal/tasks/{task_id} [delete]
func (h *FiscalHandler) CancelTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		h.BadRequest(c, "task_id must be a UUID")
		return
	}
	if err := h.service.Cancel(taskID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// GetRecord godoc
// @ID           getFiscalRecord
// @Summary      Get a record's submission status
// @Tags         fiscal
// @Produce      json
// @Param        entity_id path string true "Issuer tax ID"
// @Param        record_id path string true "Record ID"
// @Success      200 {object} dto.Response
// @Failure      404 {object} dto.Response
// @Router       /fiscal/entities/{entity_id}/records/{record_id} [get]
func (h *FiscalHandler) GetRecord(c *gin.Context) {
	status, err := h.service.RecordStatus(c.Request.Context(), c.Param("entity_id"), c.Param("record_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, status)
}

// ListRecords godoc
// @ID           listFiscalRecords
// @Summary      List an entity's records in chain order
// @Tags         fiscal
// @Produce      json
// @Param        entity_id path string true "Issuer tax ID"
// @Param        status query []string false "Filter by state; repeat or comma separate" collectionFormat(multi)
// @Param        page query int false "Page number" default(1)
// @Param        page_size query int false "Page size" default(20) maximum(100)
// @Success      200 {object} dto.Response
// @Failure      400 {object} dto.Response
// @Router       /fiscal/entities/{entity_id}/records [get]
func (h *FiscalHandler) ListRecords(c *gin.Context) {
	var page dto.ListRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		h.BindingError(c, err)
		return
	}
	page = page.WithDefaults()

	statuses, err := parseStatuses(c.QueryArray("status"))
	if err != nil {
		h.BadRequest(c, err.Error())
		return
	}
	records, total, err := h.service.ListRecords(c.Request.Context(), c.Param("entity_id"), fiscalapp.RecordFilter{
		Statuses: statuses,
		Page:     page.Page,
		PageSize: page.PageSize,
	})
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, records, total, page.Page, page.PageSize)
}

func parseStatuses(raw []string) ([]fiscal.SubmissionStatus, error) {
	var out []fiscal.SubmissionStatus
	for _, value := range raw {
		for part := range strings.SplitSeq(value, ",") {
			s := fiscal.SubmissionStatus(strings.ToUpper(strings.TrimSpace(part)))
			if s == "" {
				continue
			}
			if !slices.Contains(knownStatuses, s) {
				return nil, errors.New("unknown status " + part)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// GetChainHead godoc
// @ID           getFiscalChainHead
// @Summary      Get the entity's chain head
// @Tags         fiscal
// @Produce      json
// @Param        entity_id path string true "Issuer tax ID"
// @Success      200 {object} dto.Response
// @Router       /fiscal/entities/{entity_id}/chain [get]
func (h *FiscalHandler) GetChainHead(c *gin.Context) {
	head, err := h.service.ChainHead(c.Request.Context(), c.Param("entity_id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, dto.NewChainHeadResponse(head))
}

// ListHalts godoc
// @ID           listFiscalHalts
// @Summary      List halted entities
// @Tags         fiscal
// @Produce      json
// @Success      200 {object} dto.Response
// @Router       /fiscal/halts [get]
func (h *FiscalHandler) ListHalts(c *gin.Context) {
	halted := h.service.HaltedEntities()
	out := make([]dto.HaltResponse, 0, len(halted))
	for entityID, violation := range halted {
		out = append(out, dto.HaltResponse{EntityID: entityID, Violation: violation})
	}
	slices.SortFunc(out, func(a, b dto.HaltResponse) int {
		return strings.Compare(a.EntityID, b.EntityID)
	})
	h.SuccessList(c, out, len(out))
}

// ReleaseHalt godoc
// @ID           releaseFiscalHalt
// @Summary      Let a halted entity accept tasks again
// @Tags         fiscal
// @Accept       json
// @Param        entity_id path string true "Issuer tax ID"
// @Param        request body dto.ReleaseHaltRequest true "Operator and reason"
// @Success      204
// @Failure      422 {object} dto.Response
// @Router       /fiscal/entities/{entity_id}/halt/release [post]
func (h *FiscalHandler) ReleaseHalt(c *gin.Context) {
	var req dto.ReleaseHaltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BindingError(c, err)
		return
	}
	if err := h.service.ReleaseHalt(c.Request.Context(), c.Param("entity_id"), req.Operator, req.Reason); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}
