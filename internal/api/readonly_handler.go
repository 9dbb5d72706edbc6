// Package api 暴露协调器的只读管理接口：充电桩快照、
// 进行中会话、最近结算票与审计日志。
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gridwise-code/ev-central/internal/audit"
	"github.com/gridwise-code/ev-central/internal/coremodel"
	"github.com/gridwise-code/ev-central/internal/ledger"
	"github.com/gridwise-code/ev-central/internal/registry"
)

// ReadOnlyHandler 只读查询处理器
type ReadOnlyHandler struct {
	reg *registry.Registry
	led *ledger.Ledger
	log *audit.Log
}

// NewReadOnlyHandler 创建处理器
func NewReadOnlyHandler(reg *registry.Registry, led *ledger.Ledger, log *audit.Log) *ReadOnlyHandler {
	return &ReadOnlyHandler{reg: reg, led: led, log: log}
}

// ListCPs GET /api/v1/cps
func (h *ReadOnlyHandler) ListCPs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"charging_points": h.reg.Snapshot()})
}

// GetCP GET /api/v1/cps/:id
func (h *ReadOnlyHandler) GetCP(c *gin.Context) {
	view, ok := h.reg.Peek(coremodel.CPID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "charging point not found"})
		return
	}
	c.JSON(http.StatusOK, view)
}

// ListSessions GET /api/v1/sessions
func (h *ReadOnlyHandler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.led.Active()})
}

// ListTickets GET /api/v1/tickets?limit=50
func (h *ReadOnlyHandler) ListTickets(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	c.JSON(http.StatusOK, gin.H{"tickets": h.led.RecentTickets(limit)})
}

// ListAudit GET /api/v1/audit?actor=CP-1&limit=100
func (h *ReadOnlyHandler) ListAudit(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	actor := c.Query("actor")
	records := h.log.Recent(limit)
	if actor != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.Actor == actor {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// Stats GET /api/v1/stats
func (h *ReadOnlyHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_cps":      h.reg.OnlineCount(),
		"active_sessions": len(h.led.Active()),
		"audit_records":   h.log.Len(),
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
