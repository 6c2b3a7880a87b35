package api

import (
	"net/http"

	"github.com/h2-dashboard/backend/internal/models"
	"github.com/labstack/echo/v4"
)

// HandleGetAlertRules lists alert rules in evaluation order.
func (h *Handler) HandleGetAlertRules(c echo.Context) error {
	return c.JSON(http.StatusOK, h.alerts.Rules())
}

// HandleCreateAlertRule adds a rule. An id is generated when omitted.
func (h *Handler) HandleCreateAlertRule(c echo.Context) error {
	var rule models.AlertRule
	if err := c.Bind(&rule); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	created, err := h.alerts.AddRule(rule)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

// HandleUpdateAlertRule replaces the rule named by :id.
func (h *Handler) HandleUpdateAlertRule(c echo.Context) error {
	var rule models.AlertRule
	if err := c.Bind(&rule); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	rule.ID = c.Param("id")
	updated, err := h.alerts.UpdateRule(rule)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

// HandleDeleteAlertRule removes the rule named by :id.
func (h *Handler) HandleDeleteAlertRule(c echo.Context) error {
	if err := h.alerts.DeleteRule(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleGetAlertHistory returns recorded alerts, newest first.
func (h *Handler) HandleGetAlertHistory(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"alerts": h.alerts.History(),
		"unread": h.alerts.UnreadCount(),
	})
}

// HandleMarkAlertRead marks one alert as read.
func (h *Handler) HandleMarkAlertRead(c echo.Context) error {
	if err := h.alerts.MarkRead(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleMarkAllAlertsRead marks every alert as read.
func (h *Handler) HandleMarkAllAlertsRead(c echo.Context) error {
	h.alerts.MarkAllRead()
	return c.NoContent(http.StatusNoContent)
}

// HandleClearAlertHistory drops the alert history.
func (h *Handler) HandleClearAlertHistory(c echo.Context) error {
	if err := h.alerts.ClearHistory(); err != nil {
		return NewInternalError("failed to clear alert history", err)
	}
	return c.NoContent(http.StatusNoContent)
}
