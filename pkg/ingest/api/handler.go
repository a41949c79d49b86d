// Package api exposes the operational HTTP surface: ad hoc ingestion, job control,
// execution history, gap inventory, coverage, on-demand reads and metrics.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
	"github.com/tigerroll/tsingest/pkg/ingest/core/domain/repository"
	"github.com/tigerroll/tsingest/pkg/ingest/orchestrator"
	"github.com/tigerroll/tsingest/pkg/ingest/source"
)

const defaultReadDays = 30

// Handler serves every route of the API.
type Handler struct {
	orch        *orchestrator.Orchestrator
	registry    *source.Registry
	jobs        repository.JobRepository
	executions  repository.ExecutionRepository
	gaps        repository.GapRepository
	coverage    *CoverageCache
	syncTimeout time.Duration
	now         func() time.Time
}

// NewHandler creates a Handler.
func NewHandler(orch *orchestrator.Orchestrator, registry *source.Registry, jobs repository.JobRepository, executions repository.ExecutionRepository, gaps repository.GapRepository, coverage *CoverageCache, syncTimeout time.Duration) *Handler {
	return &Handler{
		orch:        orch,
		registry:    registry,
		jobs:        jobs,
		executions:  executions,
		gaps:        gaps,
		coverage:    coverage,
		syncTimeout: syncTimeout,
		now:         time.Now,
	}
}

type ingestRequest struct {
	EntityKeys []string `json:"entity_keys"`
}

type backfillRequest struct {
	EntityKeys []string `json:"entity_keys"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	MaxPerUnit int      `json:"max_per_unit"`
}

type acceptedResponse struct {
	JobID       string `json:"job_id"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

func accepted(c *gin.Context, exec *model.Execution) {
	c.JSON(http.StatusAccepted, acceptedResponse{JobID: exec.JobID, ExecutionID: exec.ID, Status: "accepted"})
}

// Ingest handles POST /ingest/:source.
func (h *Handler) Ingest(c *gin.Context) {
	name := c.Param("source")
	if _, err := h.registry.Get(name); err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	var body ingestRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, fmt.Sprintf("invalid body: %v", err))
		return
	}
	keys := nonEmpty(body.EntityKeys)
	if len(keys) == 0 {
		badRequest(c, "entity_keys must not be empty")
		return
	}

	runner := orchestrator.IngestRunner(h.registry, name, source.IngestRequest{EntityKeys: keys})
	exec, err := h.orch.SubmitAdHoc(c.Request.Context(), "ingest:"+name, fmt.Sprintf("Ad hoc %s ingest", name), runner)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	accepted(c, exec)
}

// Backfill handles POST /ingest/:source/backfill.
func (h *Handler) Backfill(c *gin.Context) {
	name := c.Param("source")
	a, err := h.registry.Get(name)
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	if !a.Metadata().SupportsHistorical {
		badRequest(c, fmt.Sprintf("source '%s' does not support historical requests", name))
		return
	}
	var body backfillRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, fmt.Sprintf("invalid body: %v", err))
		return
	}
	keys := nonEmpty(body.EntityKeys)
	if len(keys) == 0 {
		badRequest(c, "entity_keys must not be empty")
		return
	}
	from, err := model.ParseDate(body.From)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid from '%s': expected YYYY-MM-DD", body.From))
		return
	}
	to, err := model.ParseDate(body.To)
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid to '%s': expected YYYY-MM-DD", body.To))
		return
	}
	if from.After(to) {
		badRequest(c, fmt.Sprintf("invalid range: from %s is after to %s", body.From, body.To))
		return
	}
	if body.MaxPerUnit < 0 {
		badRequest(c, "max_per_unit must not be negative")
		return
	}

	req := source.IngestRequest{EntityKeys: keys, From: from, To: to, MaxPerUnit: body.MaxPerUnit, Historical: true}
	runner := orchestrator.IngestRunner(h.registry, name, req)
	exec, err := h.orch.SubmitAdHoc(c.Request.Context(), "backfill:"+name, fmt.Sprintf("Ad hoc %s backfill", name), runner)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	accepted(c, exec)
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	jobs, err := h.jobs.FindJobs(c.Request.Context())
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// GetJob handles GET /jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.FindJobByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// EnableJob handles POST /jobs/:id/enable.
func (h *Handler) EnableJob(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableJob handles POST /jobs/:id/disable.
func (h *Handler) DisableJob(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	ctx := c.Request.Context()
	id := c.Param("id")
	var err error
	if enabled {
		err = h.orch.Enable(ctx, id)
	} else {
		err = h.orch.Disable(ctx, id)
	}
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	job, err := h.jobs.FindJobByID(ctx, id)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// TriggerJob handles POST /jobs/:id/trigger.
func (h *Handler) TriggerJob(c *gin.Context) {
	exec, err := h.orch.TriggerNow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	accepted(c, exec)
}

// JobExecutions handles GET /jobs/:id/executions.
func (h *Handler) JobExecutions(c *gin.Context) {
	if _, err := h.jobs.FindJobByID(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	filter, err := executionFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	filter.JobID = c.Param("id")
	h.listExecutions(c, filter)
}

// ListExecutions handles GET /executions.
func (h *Handler) ListExecutions(c *gin.Context) {
	filter, err := executionFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	filter.JobID = c.Query("job_id")
	h.listExecutions(c, filter)
}

func (h *Handler) listExecutions(c *gin.Context, filter model.ExecutionFilter) {
	execs, err := h.executions.FindExecutions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs})
}

// GetExecution handles GET /executions/:id.
func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.executions.FindExecutionByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution handles POST /executions/:id/cancel.
func (h *Handler) CancelExecution(c *gin.Context) {
	exec, err := h.orch.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// gapEntityKeys returns the stored spellings key may have. Without a type the key is tried
// both verbatim (news topics) and upper-cased (tickers, series ids).
func gapEntityKeys(gapType model.GapType, key string) []string {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if gapType != "" {
		return []string{source.NormalizeEntityKey(gapType, key)}
	}
	upper := source.NormalizeEntityKey(model.GapTypePrices, key)
	if upper == key {
		return []string{key}
	}
	return []string{key, upper}
}

// ListGaps handles GET /gaps.
func (h *Handler) ListGaps(c *gin.Context) {
	var filter model.GapFilter
	if v := c.Query("type"); v != "" {
		t, err := model.ParseGapType(v)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Type = t
	}
	if v := c.Query("severity"); v != "" {
		s, err := model.ParseSeverity(v)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Severity = s
	}
	if v := c.Query("filled"); v != "" {
		filled, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("invalid filled '%s'", v))
			return
		}
		filter.Filled = &filled
	}
	filter.EntityKeys = gapEntityKeys(filter.Type, c.Query("entity_key"))
	limit, err := queryLimit(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	filter.Limit = limit

	gaps, err := h.gaps.FindGaps(c.Request.Context(), filter)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gaps": gaps})
}

// Coverage handles GET /status/coverage.
func (h *Handler) Coverage(c *gin.Context) {
	report, err := h.coverage.Get(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Data handles GET /data/:source/:entity. The range defaults to the last 30 days.
func (h *Handler) Data(c *gin.Context) {
	name := c.Param("source")
	if _, err := h.registry.Get(name); err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	to := model.TruncateDay(h.now())
	if v := c.Query("to"); v != "" {
		t, err := model.ParseDate(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("invalid to '%s': expected YYYY-MM-DD", v))
			return
		}
		to = t
	}
	from := to.AddDate(0, 0, -defaultReadDays)
	if v := c.Query("from"); v != "" {
		f, err := model.ParseDate(v)
		if err != nil {
			badRequest(c, fmt.Sprintf("invalid from '%s': expected YYYY-MM-DD", v))
			return
		}
		from = f
	}
	if from.After(to) {
		badRequest(c, fmt.Sprintf("invalid range: from %s is after to %s", model.FormatDate(from), model.FormatDate(to)))
		return
	}

	result, err := h.registry.Read(c.Request.Context(), name, c.Param("entity"), from, to, h.syncTimeout)
	if err != nil {
		writeError(c, statusForRead(err), err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func executionFilter(c *gin.Context) (model.ExecutionFilter, error) {
	var filter model.ExecutionFilter
	if v := c.Query("status"); v != "" {
		s, err := model.ParseExecutionStatus(v)
		if err != nil {
			return filter, err
		}
		filter.Status = s
	}
	var err error
	if filter.From, err = queryTime(c, "from"); err != nil {
		return filter, err
	}
	if filter.To, err = queryTime(c, "to"); err != nil {
		return filter, err
	}
	if filter.Limit, err = queryLimit(c); err != nil {
		return filter, err
	}
	return filter, nil
}

// queryTime accepts RFC 3339 timestamps or YYYY-MM-DD dates.
func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := model.ParseDate(v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid %s '%s': expected RFC 3339 or YYYY-MM-DD", key, v)
}

func queryLimit(c *gin.Context) (int, error) {
	v := c.Query("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func nonEmpty(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
