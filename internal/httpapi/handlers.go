package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"modcollect/internal/catalog"
	"modcollect/internal/collector"
	"modcollect/internal/decoder"
	"modcollect/internal/storage"
	"modcollect/internal/task/scheduler"
)

// addRequest is a catalog entry plus its id.
type addRequest struct {
	ID string `json:"id" binding:"required"`
	catalog.Entry
}

// patchRequest changes a schedule's trigger, enabled flag, or both.
type patchRequest struct {
	Trigger *catalog.TriggerSpec `json:"trigger"`
	Enabled *bool                `json:"enabled"`
}

type procedureCallRequest struct {
	ID       string         `json:"id" binding:"required"`
	Template string         `json:"template"`
	Kwargs   map[string]any `json:"kwargs"`
	Timeout  string         `json:"timeout"`
}

func (a *API) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"schedules": len(a.Collector.ListSchedules()),
		"uptime":    time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *API) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, a.Collector.ListSchedules())
}

func (a *API) getSchedule(c *gin.Context) {
	info, err := a.Collector.Schedule(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *API) addSchedule(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	def, err := req.Entry.Def(req.ID, a.location())
	if err != nil {
		badRequest(c, err)
		return
	}
	def.Source = collector.SourceAPI
	if err := a.Collector.AddSchedule(def); err != nil {
		a.fail(c, err)
		return
	}
	info, err := a.Collector.Schedule(def.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (a *API) removeSchedule(c *gin.Context) {
	if err := a.Collector.RemoveSchedule(c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) patchSchedule(c *gin.Context) {
	id := c.Param("id")
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Trigger == nil && req.Enabled == nil {
		badRequest(c, errors.New("nothing to change: set trigger and/or enabled"))
		return
	}
	u := collector.ScheduleUpdate{Enabled: req.Enabled}
	if req.Trigger != nil {
		t, err := scheduler.ParseTrigger(req.Trigger.Type, req.Trigger.Setting, a.location())
		if err != nil {
			badRequest(c, fmt.Errorf("trigger: %w", err))
			return
		}
		u.Trigger = &t
	}
	if err := a.Collector.UpdateSchedule(id, u); err != nil {
		a.fail(c, err)
		return
	}
	info, err := a.Collector.Schedule(id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (a *API) listTemplates(c *gin.Context) {
	tpls, err := a.Collector.Templates(c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tpls)
}

func (a *API) getTemplate(c *gin.Context) {
	tpl, err := a.Collector.Template(c.Param("id"), c.Param("name"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

// getData returns the buffered history, oldest first, or only the
// last-fetch record when last_fetch is truthy. A known schedule with no runs
// yet serves [] for the history and 404 for last_fetch.
func (a *API) getData(c *gin.Context) {
	id := c.Param("id")
	if truthy(c.Query("last_fetch")) {
		rec, err := a.Collector.LastFetch(id)
		if err != nil {
			a.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
		return
	}
	recs, err := a.Collector.History(id)
	if err != nil {
		a.fail(c, err)
		return
	}
	if recs == nil {
		recs = []decoder.Record{}
	}
	c.JSON(http.StatusOK, recs)
}

func (a *API) getDataAt(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		badRequest(c, fmt.Errorf("index: %q is not an integer", c.Param("index")))
		return
	}
	rec, err := a.Collector.HistoryAt(c.Param("id"), idx)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) procedureCall(c *gin.Context) {
	var req procedureCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var timeout time.Duration
	if s := strings.TrimSpace(req.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			badRequest(c, fmt.Errorf("timeout: invalid duration %q", req.Timeout))
			return
		}
		timeout = d
	}
	rec, err := a.Collector.RunOnDemand(c.Request.Context(), req.ID, req.Template, req.Kwargs, timeout)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) listAudit(c *gin.Context) {
	if a.Audit == nil {
		a.fail(c, storage.ErrDisabled)
		return
	}
	q := storage.AuditQuery{
		Schedule: c.Query("schedule"),
		Kind:     c.Query("kind"),
	}
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(c, fmt.Errorf("since: want RFC3339, got %q", s))
			return
		}
		q.Since = t
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, fmt.Errorf("limit: want a non-negative integer, got %q", s))
			return
		}
		q.Limit = n
	}
	entries, err := a.Audit.ListAudit(c.Request.Context(), q)
	if err != nil {
		a.fail(c, err)
		return
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
