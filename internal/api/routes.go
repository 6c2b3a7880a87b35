// routes.go - Route registration and middleware setup
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Telemetry Telemetry
	Pumps     PumpController
	Link      Link
	History   HistorySource
	Archive   Archive // nil when the archive is disabled
	Alerts    Alerts
	Version   string
}

// ServerOptions configures middleware.
type ServerOptions struct {
	EnableCORS     bool
	AllowOrigins   []string
	BodyLimit      string
	RequestTimeout time.Duration
	Log            *logrus.Entry
}

// RequestValidator adapts go-playground/validator to echo.Validator.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator creates the validator used by c.Validate.
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

// Validate implements echo.Validator.
func (v *RequestValidator) Validate(i interface{}) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		apiErr := NewValidationError(verrs[0].Field())
		apiErr.Details = verrs[0].Error()
		return apiErr
	}
	return NewBadRequestError("invalid request", err)
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, h *Handler, hub *Hub) {
	apiGroup := e.Group("/api")

	apiGroup.GET("/health", h.HandleHealth)
	apiGroup.GET("/status", h.HandleStatus)

	// Live telemetry
	apiGroup.GET("/snapshot", h.HandleSnapshot)
	apiGroup.GET("/channels/:channel", h.HandleChannel)

	// Pumps
	apiGroup.GET("/pumps", h.HandleGetPumps)
	apiGroup.POST("/pumps/:unit", h.HandleControlPump)

	// History
	apiGroup.GET("/history", h.HandleHistory)
	apiGroup.GET("/history/cached", h.HandleCachedHistory)
	apiGroup.GET("/archive", h.HandleArchive)

	// Alerts
	apiGroup.GET("/alerts/rules", h.HandleGetAlertRules)
	apiGroup.POST("/alerts/rules", h.HandleCreateAlertRule)
	apiGroup.PUT("/alerts/rules/:id", h.HandleUpdateAlertRule)
	apiGroup.DELETE("/alerts/rules/:id", h.HandleDeleteAlertRule)
	apiGroup.GET("/alerts/history", h.HandleGetAlertHistory)
	apiGroup.DELETE("/alerts/history", h.HandleClearAlertHistory)
	apiGroup.POST("/alerts/history/read-all", h.HandleMarkAllAlertsRead)
	apiGroup.POST("/alerts/history/:id/read", h.HandleMarkAlertRead)

	if hub != nil {
		apiGroup.GET("/ws", hub.HandleWebSocket)
	}
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts ServerOptions) {
	e.HideBanner = true
	e.HTTPErrorHandler = ErrorHandler(opts.Log)
	e.Validator = NewRequestValidator()

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if opts.Log != nil {
		log := opts.Log
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogURI:    true,
			LogStatus: true,
			LogMethod: true,
			LogError:  true,
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return path == "/api/health" || path == "/api/ws"
			},
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				entry := log.WithFields(logrus.Fields{
					"method": v.Method,
					"uri":    v.URI,
					"status": v.Status,
				})
				if v.Error != nil {
					entry.WithError(v.Error).Warn("request")
				} else {
					entry.Debug("request")
				}
				return nil
			},
		}))
	}

	if opts.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout: opts.RequestTimeout,
			Skipper: func(c echo.Context) bool {
				return strings.HasSuffix(c.Request().URL.Path, "/ws")
			},
			ErrorMessage: "Request timeout - backend took too long",
		}))
	}

	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if opts.EnableCORS {
		origins := opts.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}
