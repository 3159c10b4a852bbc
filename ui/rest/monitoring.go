package rest

import (
	"github.com/gofiber/fiber/v2"

	"github.com/uniboxhq/unibox/lifecycle"
	"github.com/uniboxhq/unibox/pkg/connmonitor"
)

type MonitoringHandler struct {
	manager *lifecycle.Manager
}

func InitRestMonitoring(app fiber.Router, manager *lifecycle.Manager) {
	h := &MonitoringHandler{manager: manager}

	g := app.Group("/monitoring")

	g.Get("/stats", h.GetGlobalStats)
	g.Get("/events", h.GetRecentEvents)
}

func (h *MonitoringHandler) GetGlobalStats(c *fiber.Ctx) error {
	stats := connmonitor.GetStats()
	return c.JSON(fiber.Map{
		"tracked_connections": h.manager.TrackedConnections(),
		"live_health_timers":  h.manager.LiveHealthTimers(),
		"workers":             h.manager.WorkerStats(),
		"totals": fiber.Map{
			"refreshes":   stats.TotalRefreshes,
			"validations": stats.TotalValidations,
			"recoveries":  stats.TotalRecoveries,
			"webhooks":    stats.TotalWebhooks,
			"errors":      stats.TotalErrors,
		},
	})
}

func (h *MonitoringHandler) GetRecentEvents(c *fiber.Ctx) error {
	stats := connmonitor.GetStats()
	return c.JSON(stats.RecentEvents)
}
