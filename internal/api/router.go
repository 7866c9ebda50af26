package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/gowish/internal/api/controllers"
	"github.com/datallboy/gowish/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	dl := &controllers.DownloadController{App: app}
	q := &controllers.QueueController{App: app}

	api := e.Group("/api")

	api.POST("/downloads", dl.Submit)
	api.GET("/downloads", dl.List)
	api.GET("/downloads/history", dl.History)
	api.GET("/downloads/:id", dl.Get)
	api.POST("/downloads/:id/cancel", dl.Cancel)
	api.POST("/downloads/:id/hold", dl.Hold)
	api.POST("/downloads/:id/defer", dl.Defer)

	api.GET("/queue", q.List)
	api.DELETE("/queue", q.Clear)
	api.POST("/queue/move", q.Move)
	api.GET("/queue/:id", q.Get)
	api.DELETE("/queue/:id", q.Remove)
	api.POST("/queue/:id/hold", q.Hold)
	api.POST("/queue/:id/release", q.Release)
	api.POST("/queue/:id/resume", q.Resume)

	api.POST("/credentials", dl.Credential)
}
