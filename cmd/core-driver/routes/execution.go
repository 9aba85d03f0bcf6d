// Package routes registers the Orchestrator Driver's echo routes.
// Grounded on cmd/orchestrator/routes/run.go's group/middleware wiring
// style.
package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/skwuwu/workflow-core/cmd/core-driver/container"
	coredriver "github.com/skwuwu/workflow-core/cmd/core-driver/handlers"
	coremiddleware "github.com/skwuwu/workflow-core/cmd/core-driver/middleware"
	commonmiddleware "github.com/skwuwu/workflow-core/common/middleware"
	"github.com/skwuwu/workflow-core/common/ratelimit"
)

// RegisterExecutionRoutes wires /api/v1/executions/* behind owner
// extraction, then requires it for every route but the WebSocket upgrade
// (which authorizes its own $connect via the query-string token).
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := coredriver.NewExecutionHandler(c)

	e.GET("/api/v1/executions/ws", h.WebSocket, coremiddleware.ExtractOwnerID())

	executions := e.Group("/api/v1/executions")
	executions.Use(coremiddleware.ExtractOwnerID(), coremiddleware.RequireOwnerID())
	executions.Use(commonmiddleware.UserRateLimitMiddleware(c.RateLimiter, ratelimit.GetLimitForTier(ratelimit.TierStandard)))

	executions.POST("", h.Submit)
	executions.GET("", h.List)
	executions.GET("/:id", h.Status)
	executions.GET("/:id/history", h.History)
	executions.POST("/:id/stop", h.Stop)
	executions.DELETE("/:id", h.Delete)
	executions.POST("/:id/hitp", h.HITPCallback)
}
