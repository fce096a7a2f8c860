package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"evcharge/internal/notify"
	"evcharge/internal/service"
	"evcharge/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CallbackQueue hands verified gateway callbacks to the asynchronous worker
type CallbackQueue interface {
	PublishCallback(ctx context.Context, provider, paymentRef string, params map[string]string) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options are the collaborators of the HTTP handler
type Options struct {
	Reservations *service.ReservationService
	Sessions     *service.SessionService
	Payments     *service.PaymentService
	Spots        *service.SpotService
	Hub          *notify.Hub
	// Callbacks, when set, queues verified IPNs instead of applying them inline
	Callbacks  CallbackQueue
	Readiness  map[string]Pinger
	RequestLog bool
}

// Handler contains HTTP handlers
type Handler struct {
	opts   Options
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(opts Options) *Handler {
	return &Handler{
		opts:   opts,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	if h.opts.RequestLog {
		router.Use(gin.Logger())
	}

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if h.opts.Hub != nil {
		router.GET("/ws", h.subscribe)
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/spots/:id", h.getSpot)
		v1.POST("/spots/:id/maintenance", h.maintenance)
		v1.POST("/spots/:id/out-of-order", h.outOfOrder)

		v1.POST("/reservations", h.createReservation)
		v1.POST("/reservations/check-in", h.checkIn)
		v1.GET("/reservations/:id", h.getReservation)
		v1.POST("/reservations/:id/confirm", h.confirmReservation)
		v1.POST("/reservations/:id/cancel", h.cancelReservation)
		v1.POST("/reservations/:id/no-show", h.markNoShow)

		v1.POST("/sessions", h.startSession)
		v1.GET("/sessions/:id", h.getSession)
		v1.GET("/sessions/:id/progress", h.getProgress)
		v1.POST("/sessions/:id/progress", h.recordProgress)
		v1.POST("/sessions/:id/complete", h.completeSession)
		v1.POST("/sessions/:id/fail", h.failSession)

		v1.POST("/payments", h.createPayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/cash", h.confirmCash)
		v1.POST("/payments/:id/refund", h.refund)
		v1.GET("/payments/callback/:provider", h.paymentCallback)
		v1.POST("/payments/callback/:provider", h.paymentCallback)
		v1.GET("/payments/return/:provider", h.paymentReturn)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.opts.Readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// subscribe upgrades to a websocket receiving the requested groups
func (h *Handler) subscribe(c *gin.Context) {
	var groups []string
	for _, g := range strings.Split(c.Query("groups"), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		badRequest(c, "groups query parameter is required", nil)
		return
	}
	if err := h.opts.Hub.ServeWS(c.Writer, c.Request, groups); err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
	}
}

func (h *Handler) getSpot(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	spot, err := h.opts.Spots.GetSpot(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spot)
}

type maintenanceRequest struct {
	Hold bool `json:"hold"`
}

func (h *Handler) maintenance(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	var err error
	var spot interface{}
	if req.Hold {
		spot, err = h.opts.Spots.HoldForMaintenance(c.Request.Context(), id)
	} else {
		spot, err = h.opts.Spots.ReleaseMaintenance(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spot)
}

type reasonRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *Handler) outOfOrder(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	spot, err := h.opts.Spots.ReportOutOfOrder(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, spot)
}

// createReservation handles reservation creation
func (h *Handler) createReservation(c *gin.Context) {
	var req service.CreateReservationRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	r, err := h.opts.Reservations.CreateReservation(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) getReservation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	r, err := h.opts.Reservations.GetReservation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) confirmReservation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	r, err := h.opts.Reservations.ConfirmReservation(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) cancelReservation(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = "user"
	}
	r, err := h.opts.Reservations.CancelReservation(c.Request.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) markNoShow(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	r, err := h.opts.Reservations.MarkNoShow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type checkInRequest struct {
	ConfirmationCode string `json:"confirmation_code" binding:"required"`
}

func (h *Handler) checkIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	r, err := h.opts.Reservations.CheckIn(c.Request.Context(), req.ConfirmationCode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) startSession(c *gin.Context) {
	var req service.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	sess, err := h.opts.Sessions.StartSession(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) getSession(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	sess, err := h.opts.Sessions.GetSession(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) getProgress(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	view, err := h.opts.Sessions.GetSessionProgress(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) recordProgress(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	p, err := h.opts.Sessions.RecordProgress(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) completeSession(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.CompleteSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	resp, err := h.opts.Sessions.CompleteSession(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) failSession(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req service.FailSessionRequest
	if !optionalJSON(c, &req) {
		return
	}
	sess, err := h.opts.Sessions.FailSession(c.Request.Context(), id, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) createPayment(c *gin.Context) {
	var req service.CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	resp, err := h.opts.Payments.CreateIntent(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) getPayment(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	p, err := h.opts.Payments.GetPayment(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) confirmCash(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	p, err := h.opts.Payments.ConfirmCash(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) refund(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reasonRequest
	if !optionalJSON(c, &req) {
		return
	}
	p, err := h.opts.Payments.Refund(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// paymentCallback handles the gateway server-to-server notification (IPN).
// Gateways only read the acknowledgement body, so it is always sent with 200.
func (h *Handler) paymentCallback(c *gin.Context) {
	provider := c.Param("provider")
	params, err := callbackParams(c)
	if err != nil {
		c.JSON(http.StatusOK, ipnAck(&service.Error{Kind: service.KindValidation, Err: err}))
		return
	}

	if h.opts.Callbacks != nil {
		result, err := h.opts.Payments.PeekCallback(provider, params)
		if err == nil {
			err = h.opts.Callbacks.PublishCallback(c.Request.Context(), provider, strconv.FormatInt(result.PaymentID, 10), params)
		}
		if err != nil {
			h.logger.Warn("Payment callback not queued", zap.String("provider", provider), zap.Error(err))
		}
		c.JSON(http.StatusOK, ipnAck(err))
		return
	}

	_, err = h.opts.Payments.HandleCallback(c.Request.Context(), provider, params)
	if err != nil {
		h.logger.Warn("Payment callback rejected",
			zap.String("provider", provider),
			zap.String("kind", string(service.KindOf(err))),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, ipnAck(err))
}

// paymentReturn reports the outcome carried by the browser redirect without applying it
func (h *Handler) paymentReturn(c *gin.Context) {
	params, err := callbackParams(c)
	if err != nil {
		badRequest(c, "Invalid return parameters", err)
		return
	}
	res, err := h.opts.Payments.VerifyReturn(c.Request.Context(), c.Param("provider"), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// callbackParams collects gateway parameters from the query string, a form
// body or a flat JSON object
func callbackParams(c *gin.Context) (map[string]string, error) {
	params := make(map[string]string)

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body map[string]interface{}
		dec := json.NewDecoder(c.Request.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, err
		}
		for k, v := range body {
			if v == nil {
				continue
			}
			params[k] = fmt.Sprint(v)
		}
	} else if err := c.Request.ParseForm(); err != nil {
		return nil, err
	}

	for k, v := range c.Request.Form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	for k, v := range c.Request.URL.Query() {
		if _, ok := params[k]; !ok && len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params, nil
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "Invalid id", nil)
		return 0, false
	}
	return id, true
}

// optionalJSON binds a body when one is sent
func optionalJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "Invalid request body", err)
		return false
	}
	return true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
