package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stock-ledger/internal/models"
	"stock-ledger/internal/service"
	"stock-ledger/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Scope headers
const (
	HeaderBusinessID = "X-Business-ID"
	HeaderActorID    = "X-Actor-ID"
)

const scopeKey = "scope"

// Services groups the ledger services the HTTP layer routes to
type Services struct {
	Ledger       *service.Ledger
	Adjustments  *service.AdjustmentService
	Transfers    *service.TransferService
	Projection   *service.Projection
	Reservations *service.ReservationService
	Sales        *service.SaleService
	Calculator   *service.Calculator
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services) *Handler {
	return &Handler{
		svc:    svc,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", scopeMiddleware())
	{
		v1.POST("/locations", h.createLocation)
		v1.GET("/locations/:id", h.getLocation)

		v1.POST("/batches", h.createBatch)
		v1.GET("/batches", h.listBatches)
		v1.GET("/batches/:id", h.getBatch)
		v1.PUT("/batches/:id/intake", h.amendIntake)
		v1.GET("/batches/:id/adjustments", h.listAdjustments)

		v1.POST("/adjustments", h.createAdjustment)
		v1.GET("/adjustments/:id", h.getAdjustment)
		v1.POST("/adjustments/:id/approve", h.approveAdjustment)
		v1.POST("/adjustments/:id/reject", h.rejectAdjustment)
		v1.POST("/adjustments/:id/complete", h.completeAdjustment)

		v1.POST("/transfers", h.createTransfer)
		v1.GET("/transfers/:id", h.getTransfer)
		v1.POST("/transfers/:id/approve", h.approveTransfer)
		v1.POST("/transfers/:id/fulfill", h.fulfillTransfer)
		v1.POST("/transfers/:id/cancel", h.cancelTransfer)

		v1.GET("/storefronts/:id/products/:pid", h.storefrontAvailability)

		v1.POST("/reservations", h.reserve)
		v1.GET("/reservations/:id", h.getReservation)
		v1.POST("/reservations/:id/release", h.releaseReservation)
		v1.POST("/reservations/:id/commit", h.commitReservation)

		v1.POST("/sales/warehouse", h.warehouseSale)
		v1.POST("/sales/:id/complete", h.completeSale)
		v1.POST("/sales/:id/cancel", h.cancelSale)

		v1.GET("/reconciliation/batches/:id", h.batchReport)
		v1.GET("/reconciliation/products/:id", h.productReport)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// scopeMiddleware builds the caller's scope from the request headers
func scopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessID, err := uuid.Parse(c.GetHeader(HeaderBusinessID))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Missing or invalid " + HeaderBusinessID + " header",
			})
			return
		}
		actorID := strings.TrimSpace(c.GetHeader(HeaderActorID))
		if actorID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Missing " + HeaderActorID + " header",
			})
			return
		}
		c.Set(scopeKey, models.Scope{BusinessID: businessID, ActorID: actorID})
		c.Next()
	}
}

func scopeOf(c *gin.Context) models.Scope {
	return c.MustGet(scopeKey).(models.Scope)
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// respond writes result with status, or maps err to its status code
func (h *Handler) respond(c *gin.Context, status int, result interface{}, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(status, result)
}

// writeError maps a domain error to a status code and a body carrying its
// structured context
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		validation   *models.ValidationError
		insufficient *models.InsufficientStockError
		locked       *models.LockedBatchError
		transition   *models.InvalidTransitionError
		expired      *models.ReservationExpiredError
		crossTenant  *models.CrossTenantError
		unauthorized *models.UnauthorizedApprovalError
	)

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "details": validation})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_stock", "message": err.Error(), "details": insufficient})
	case errors.As(err, &locked):
		c.JSON(http.StatusConflict, gin.H{"error": "locked_batch", "message": err.Error(), "details": locked})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error(), "details": transition})
	case errors.As(err, &expired):
		c.JSON(http.StatusGone, gin.H{"error": "reservation_expired", "message": err.Error(), "details": expired})
	case errors.As(err, &crossTenant):
		// another business's records are indistinguishable from missing ones
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.As(err, &unauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized_approval", "message": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *Handler) createLocation(c *gin.Context) {
	var req service.CreateLocationRequest
	if !bind(c, &req) {
		return
	}
	loc, err := h.svc.Ledger.CreateLocation(c.Request.Context(), scopeOf(c), &req)
	h.respond(c, http.StatusCreated, loc, err)
}

func (h *Handler) getLocation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	loc, err := h.svc.Ledger.GetLocation(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, loc, err)
}

func (h *Handler) createBatch(c *gin.Context) {
	var req service.CreateBatchRequest
	if !bind(c, &req) {
		return
	}
	batch, err := h.svc.Ledger.CreateBatch(c.Request.Context(), scopeOf(c), &req)
	h.respond(c, http.StatusCreated, batch, err)
}

func (h *Handler) listBatches(c *gin.Context) {
	var productID *uuid.UUID
	if raw := c.Query("product_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product_id"})
			return
		}
		productID = &id
	}
	batches, err := h.svc.Ledger.ListBatches(c.Request.Context(), scopeOf(c), productID)
	h.respond(c, http.StatusOK, gin.H{"batches": batches}, err)
}

func (h *Handler) getBatch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx, scope := c.Request.Context(), scopeOf(c)

	batch, err := h.svc.Ledger.GetBatch(ctx, scope, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	available, err := h.svc.Calculator.Availability(ctx, scope, id)
	h.respond(c, http.StatusOK, gin.H{"batch": batch, "calculated_availability": available}, err)
}

type amendIntakeRequest struct {
	Quantity int64 `json:"quantity" binding:"required"`
}

func (h *Handler) amendIntake(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req amendIntakeRequest
	if !bind(c, &req) {
		return
	}
	batch, err := h.svc.Ledger.AmendIntakeQuantity(c.Request.Context(), scopeOf(c), id, req.Quantity)
	h.respond(c, http.StatusOK, batch, err)
}

func (h *Handler) listAdjustments(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	adjustments, err := h.svc.Adjustments.List(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, gin.H{"adjustments": adjustments}, err)
}

func (h *Handler) createAdjustment(c *gin.Context) {
	var req service.CreateAdjustmentRequest
	if !bind(c, &req) {
		return
	}
	adj, err := h.svc.Adjustments.Create(c.Request.Context(), scopeOf(c), &req)
	h.respond(c, http.StatusCreated, adj, err)
}

func (h *Handler) getAdjustment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	adj, err := h.svc.Adjustments.Get(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, adj, err)
}

func (h *Handler) approveAdjustment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	adj, err := h.svc.Adjustments.Approve(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, adj, err)
}

func (h *Handler) rejectAdjustment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	adj, err := h.svc.Adjustments.Reject(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, adj, err)
}

func (h *Handler) completeAdjustment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	adj, err := h.svc.Adjustments.Complete(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, adj, err)
}

func (h *Handler) createTransfer(c *gin.Context) {
	var req service.CreateTransferRequest
	if !bind(c, &req) {
		return
	}
	tr, err := h.svc.Transfers.Create(c.Request.Context(), scopeOf(c), &req)
	h.respond(c, http.StatusCreated, tr, err)
}

func (h *Handler) getTransfer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tr, err := h.svc.Transfers.Get(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, tr, err)
}

func (h *Handler) approveTransfer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tr, err := h.svc.Transfers.Approve(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, tr, err)
}

func (h *Handler) fulfillTransfer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tr, err := h.svc.Transfers.Fulfill(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, tr, err)
}

func (h *Handler) cancelTransfer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	tr, err := h.svc.Transfers.Cancel(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, tr, err)
}

func (h *Handler) storefrontAvailability(c *gin.Context) {
	storefrontID, ok := pathID(c, "id")
	if !ok {
		return
	}
	productID, ok := pathID(c, "pid")
	if !ok {
		return
	}
	view, err := h.svc.Projection.Availability(c.Request.Context(), scopeOf(c), storefrontID, productID)
	h.respond(c, http.StatusOK, view, err)
}

func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Reservations.Reserve(c.Request.Context(), scopeOf(c), &req)
	h.respond(c, http.StatusCreated, res, err)
}

func (h *Handler) getReservation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Reservations.Get(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, res, err)
}

func (h *Handler) releaseReservation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.Reservations.Release(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, res, err)
}

type commitRequest struct {
	SaleID string `json:"sale_id" binding:"required"`
}

func (h *Handler) commitReservation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req commitRequest
	if !bind(c, &req) {
		return
	}
	result, err := h.svc.Reservations.Commit(c.Request.Context(), scopeOf(c), id, req.SaleID)
	h.respond(c, http.StatusOK, result, err)
}

func (h *Handler) completeSale(c *gin.Context) {
	result, err := h.svc.Sales.CompleteSale(c.Request.Context(), scopeOf(c), c.Param("id"))
	h.respond(c, http.StatusOK, result, err)
}

func (h *Handler) cancelSale(c *gin.Context) {
	released, err := h.svc.Sales.CancelSale(c.Request.Context(), scopeOf(c), c.Param("id"))
	h.respond(c, http.StatusOK, gin.H{"sale_id": c.Param("id"), "released": released}, err)
}

func (h *Handler) warehouseSale(c *gin.Context) {
	var req service.WarehouseSaleRequest
	if !bind(c, &req) {
		return
	}
	item, err := h.svc.Sales.RecordWarehouseSale(c.Request.Context(), scopeOf(c), &req)
	h.respond(c, http.StatusCreated, item, err)
}

func (h *Handler) batchReport(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	report, err := h.svc.Calculator.BatchReport(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, report, err)
}

func (h *Handler) productReport(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	report, err := h.svc.Calculator.ProductReport(c.Request.Context(), scopeOf(c), id)
	h.respond(c, http.StatusOK, report, err)
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
