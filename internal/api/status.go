package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/llm-gateway-go/internal/models"
)

// Models handles GET /v1/models, listing the union of model names served
// by any configured upstream, deduplicated and tracking every serving
// upstream per model.
func (h *Handlers) Models(c *gin.Context) {
	byID := make(map[string]*models.ModelInfo)
	order := make([]string, 0)
	for _, snap := range h.Router.Registry.All() {
		for model := range snap.Models {
			info, ok := byID[model]
			if !ok {
				info = &models.ModelInfo{ID: model, Object: "model", Owner: snap.Name}
				byID[model] = info
				order = append(order, model)
			}
			info.Sources = append(info.Sources, snap.Name)
		}
	}
	data := make([]models.ModelInfo, 0, len(order))
	for _, id := range order {
		data = append(data, *byID[id])
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// healthStatus derives the aggregate status string from the healthy/total
// ratio across configured upstreams: all healthy -> "ok", at least half
// healthy -> "degraded", otherwise -> "critical".
func healthStatus(snaps []models.Snapshot) (string, int, int) {
	total := len(snaps)
	healthy := 0
	for _, s := range snaps {
		if s.Status == models.StatusHealthy {
			healthy++
		}
	}
	switch {
	case total == 0:
		return "critical", healthy, total
	case healthy == total:
		return "ok", healthy, total
	case healthy*2 >= total:
		return "degraded", healthy, total
	default:
		return "critical", healthy, total
	}
}

// providerCounts breaks snaps down by Status, matching the four values
// models.Status can take (spec.md §3).
func providerCounts(snaps []models.Snapshot) (total, healthy, degraded, unhealthy, disabled int) {
	total = len(snaps)
	for _, s := range snaps {
		switch s.Status {
		case models.StatusHealthy:
			healthy++
		case models.StatusDegraded:
			degraded++
		case models.StatusUnhealthy:
			unhealthy++
		case models.StatusDisabled:
			disabled++
		}
	}
	return
}

// Health handles GET /health, reporting the contract of spec.md §6:
// status, a 0-1 health_score, the providers breakdown, and a timestamp.
func (h *Handlers) Health(c *gin.Context) {
	snaps := h.Router.Registry.All()
	status, healthy, total := healthStatus(snaps)
	_, _, degraded, unhealthy, disabled := providerCounts(snaps)

	var healthScore float64
	if total > 0 {
		healthScore = float64(healthy) / float64(total)
	}

	upstreams := make([]gin.H, 0, total)
	for _, s := range snaps {
		upstreams = append(upstreams, gin.H{
			"name":               s.Name,
			"status":             s.Status,
			"consecutive_errors": s.ConsecutiveErrors,
		})
	}

	code := http.StatusOK
	if status == "critical" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"health_score": healthScore,
		"providers": gin.H{
			"total":     total,
			"healthy":   healthy,
			"degraded":  degraded,
			"unhealthy": unhealthy,
			"disabled":  disabled,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"upstreams": upstreams,
	})
}
