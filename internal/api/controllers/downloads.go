package controllers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/segmentio/ksuid"

	"github.com/datallboy/gowish/internal/app"
	"github.com/datallboy/gowish/internal/domain"
	"github.com/datallboy/gowish/internal/engine"
	"github.com/datallboy/gowish/internal/task"
)

type DownloadController struct {
	App *app.Context
}

// Submit starts a download or queues its orders.
func (ctrl *DownloadController) Submit(c *echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Orders) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one order is required")
	}

	orders := make([]domain.Order, 0, len(req.Orders))
	for i, r := range req.Orders {
		o, err := ctrl.order(r)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("orders[%d]: %v", i, err))
		}
		orders = append(orders, o)
	}

	if req.Queue {
		wishes := make([]domain.Wish, 0, len(orders))
		for _, o := range orders {
			w := domain.NewWish(ksuid.New().String(), o)
			w.Held = req.Held
			ctrl.App.Queue.Add(w)
			wishes = append(wishes, w)
		}
		return c.JSON(http.StatusCreated, SubmitResponse{Wishes: wishes})
	}

	id, err := ctrl.App.Manager.Submit(orders...)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{ID: id})
}

func (ctrl *DownloadController) order(r OrderRequest) (domain.Order, error) {
	if r.URL == "" {
		return domain.Order{}, errors.New("url is required")
	}
	dir := r.Dir
	if dir == "" {
		dir = ctrl.App.Config.Download.OutDir
	}
	o, err := domain.NewOrder("", r.URL, dir, domain.SanitizeFilename(r.Filename))
	if err != nil {
		return domain.Order{}, err
	}
	if o.URL.Scheme == "" || o.URL.Host == "" {
		return domain.Order{}, fmt.Errorf("%q is not an absolute url", r.URL)
	}
	o.MIME = r.MIME
	o.Referer = r.Referer
	o.Credential = r.Credential
	return o, nil
}

// List returns the running downloads.
func (ctrl *DownloadController) List(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.App.Manager.Running())
}

// History returns recently finished downloads with their deliveries.
func (ctrl *DownloadController) History(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.App.Manager.History())
}

func (ctrl *DownloadController) Get(c *echo.Context) error {
	snap, ok := ctrl.App.Manager.Get(c.Param("id"))
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, snap)
}

func (ctrl *DownloadController) Cancel(c *echo.Context) error { return ctrl.stop(c, task.StopCancel) }

func (ctrl *DownloadController) Hold(c *echo.Context) error { return ctrl.stop(c, task.StopHold) }

func (ctrl *DownloadController) Defer(c *echo.Context) error { return ctrl.stop(c, task.StopDefer) }

// stop blocks until the worker has returned, so held and deferred wishes are
// already queued when the response is written.
func (ctrl *DownloadController) stop(c *echo.Context, mode task.StopMode) error {
	id := c.Param("id")
	wishes, err := ctrl.App.Manager.Stop(c.Request().Context(), id, mode)
	if errors.Is(err, engine.ErrNotFound) {
		return c.NoContent(http.StatusNotFound)
	}
	if err != nil {
		return err
	}
	if wishes == nil {
		wishes = []domain.Wish{}
	}
	return c.JSON(http.StatusOK, StopResponse{ID: id, Wishes: wishes})
}

// Credential stores a credential, typically in answer to a 401 challenge.
func (ctrl *DownloadController) Credential(c *echo.Context) error {
	var req CredentialRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Scheme == "" || req.Host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "scheme and host are required")
	}
	ctrl.App.Credentials.Put(domain.Credential{
		Scheme:     req.Scheme,
		Host:       req.Host,
		User:       req.User,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
	})
	return c.NoContent(http.StatusNoContent)
}
