package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/h2-dashboard/backend/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const mimeMsgpack = "application/msgpack"

// Handler handles API requests.
type Handler struct {
	telemetry Telemetry
	pumps     PumpController
	link      Link
	history   HistorySource
	archive   Archive
	alerts    Alerts
	version   string
}

// NewHandler creates a new API handler. Archive may be nil when disabled.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		telemetry: deps.Telemetry,
		pumps:     deps.Pumps,
		link:      deps.Link,
		history:   deps.History,
		archive:   deps.Archive,
		alerts:    deps.Alerts,
		version:   deps.Version,
	}
}

// HandleHealth returns server health status.
func (h *Handler) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleStatus reports the backend link, pump state and alert counters.
func (h *Handler) HandleStatus(c echo.Context) error {
	status := map[string]interface{}{
		"connected":      h.link.IsConnected(),
		"pumps":          h.telemetry.Pumps(),
		"confirmedPumps": h.telemetry.ConfirmedPumps(),
		"capacity":       h.telemetry.Capacity(),
		"unreadAlerts":   h.alerts.UnreadCount(),
	}
	if h.archive != nil {
		status["archivedRows"] = h.archive.Len()
	}
	return c.JSON(http.StatusOK, status)
}

// HandleSnapshot returns the latest value of every channel. Channels with
// no data yet are null.
func (h *Handler) HandleSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, h.telemetry.CurrentSnapshot())
}

// HandleChannel returns the buffered readings of one stream, oldest first.
// ?format=msgpack or an Accept header of application/msgpack selects MessagePack.
func (h *Handler) HandleChannel(c echo.Context) error {
	stream := models.Stream(c.Param("channel"))

	var readings interface{}
	var ok bool
	if stream.IsPaired() {
		readings, ok = h.telemetry.PairSeries(stream)
	} else {
		readings, ok = h.telemetry.ScalarSeries(stream)
	}
	if !ok {
		return NewNotFoundError("channel", string(stream))
	}

	body := map[string]interface{}{
		"channel":  stream,
		"paired":   stream.IsPaired(),
		"capacity": h.telemetry.Capacity(),
		"readings": readings,
	}

	if wantsMsgpack(c) {
		data, err := msgpack.Marshal(body)
		if err != nil {
			return NewInternalError("failed to encode msgpack", err)
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, body)
}

func wantsMsgpack(c echo.Context) bool {
	if c.QueryParam("format") == "msgpack" {
		return true
	}
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack)
}

// HandleGetPumps returns the displayed and the last confirmed pump state.
func (h *Handler) HandleGetPumps(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pumps":     h.telemetry.Pumps(),
		"confirmed": h.telemetry.ConfirmedPumps(),
	})
}

// PumpControlRequest is the body of POST /api/pumps/:unit.
type PumpControlRequest struct {
	IsOn      bool   `json:"isOn"`
	Direction string `json:"direction" validate:"omitempty,oneof=clockwise counterclockwise"`
	RPM       int    `json:"rpm" validate:"gte=0,lte=5000"`
}

// HandleControlPump sends a pump command and returns the optimistic state.
func (h *Handler) HandleControlPump(c echo.Context) error {
	unit := models.PumpUnit(c.Param("unit"))
	if !unit.Valid() {
		return NewNotFoundError("pump", string(unit))
	}

	var req PumpControlRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	state, err := h.pumps.ControlPump(c.Request().Context(), unit, req.IsOn, models.Direction(req.Direction), req.RPM)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"pump":  unit,
		"state": state,
	})
}

// HandleHistory proxies a historical range query through the range cache.
func (h *Handler) HandleHistory(c echo.Context) error {
	start, end, err := parseRange(c)
	if err != nil {
		return err
	}
	interval := 1
	if s := c.QueryParam("interval"); s != "" {
		interval, err = strconv.Atoi(s)
		if err != nil {
			return NewValidationError("interval")
		}
	}

	points, err := h.history.FetchRange(c.Request().Context(), start, end, interval)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(points),
		"data":    points,
	})
}

// HandleCachedHistory returns the last successful range result.
func (h *Handler) HandleCachedHistory(c echo.Context) error {
	r, points, ok := h.history.Cached()
	if !ok {
		return NewNotFoundError("cached history", "none")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"range": r,
		"count": len(points),
		"data":  points,
	})
}

// HandleArchive serves a range from the local archive.
func (h *Handler) HandleArchive(c echo.Context) error {
	if h.archive == nil {
		return NewServiceUnavailableError("reading archive is disabled")
	}
	start, end, err := parseRange(c)
	if err != nil {
		return err
	}
	if end.Before(start) {
		return NewBadRequestError("end is before start", nil)
	}

	points, err := h.archive.Range(c.Request().Context(), start, end)
	if err != nil {
		return NewInternalError("archive query failed", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(points),
		"data":  points,
	})
}

func parseRange(c echo.Context) (time.Time, time.Time, error) {
	start, err := parseTime(c.QueryParam("start"))
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError("start")
	}
	end, err := parseTime(c.QueryParam("end"))
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError("end")
	}
	return start, end, nil
}

// parseTime accepts RFC 3339 or Unix milliseconds.
func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
