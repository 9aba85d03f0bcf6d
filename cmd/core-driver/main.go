package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/skwuwu/workflow-core/cmd/core-driver/container"
	"github.com/skwuwu/workflow-core/cmd/core-driver/routes"
	"github.com/skwuwu/workflow-core/common/bootstrap"
	"github.com/skwuwu/workflow-core/common/server"
)

func main() {
	ctx := context.Background()

	components, err := bootstrap.Setup(ctx, "core-driver")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap core-driver: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	hubDone := make(chan struct{})
	go serviceContainer.Hub.Run(hubDone)
	defer close(hubDone)

	go func() {
		if err := serviceContainer.Subscriber.Start(ctx); err != nil {
			components.Logger.Error("notify subscriber stopped", "error", err)
		}
	}()

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)
	registerRoutes(e, serviceContainer)
	startServer(e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "core-driver",
		})
	})
}

func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterExecutionRoutes(e, c)
}

func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("Starting core-driver", "port", port)

	srv := server.New("core-driver", port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
