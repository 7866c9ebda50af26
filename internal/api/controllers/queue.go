package controllers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/gowish/internal/app"
	"github.com/datallboy/gowish/internal/engine"
	"github.com/datallboy/gowish/internal/queue"
)

type QueueController struct {
	App *app.Context
}

func (ctrl *QueueController) List(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.App.Queue.List())
}

func (ctrl *QueueController) Get(c *echo.Context) error {
	w, ok := ctrl.App.Queue.Get(c.Param("id"))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, w)
}

func (ctrl *QueueController) Remove(c *echo.Context) error {
	if !ctrl.App.Queue.Remove(c.Param("id")) {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *QueueController) Clear(c *echo.Context) error {
	ctrl.App.Queue.Clear()
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *QueueController) Hold(c *echo.Context) error {
	if !ctrl.App.Queue.Hold(c.Param("id")) {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *QueueController) Release(c *echo.Context) error {
	if !ctrl.App.Queue.Release(c.Param("id")) {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// Move reorders the queue. Moving towards the head uses MoveUp, towards the
// tail MoveDown.
func (ctrl *QueueController) Move(c *echo.Context) error {
	var req MoveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var err error
	if req.To < req.From {
		err = ctrl.App.Queue.MoveUp(req.From, req.To)
	} else {
		err = ctrl.App.Queue.MoveDown(req.From, req.To)
	}
	if errors.Is(err, queue.ErrIndex) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ctrl.App.Queue.List())
}

// Resume starts a queued wish now, ignoring its hold flag.
func (ctrl *QueueController) Resume(c *echo.Context) error {
	id, err := ctrl.App.Manager.Resume(c.Param("id"))
	if errors.Is(err, engine.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{ID: id})
}
