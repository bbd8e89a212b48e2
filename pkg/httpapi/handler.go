package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/health"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/anomaly"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/escrow"
	"artmarket-platform/services/payout"
	"artmarket-platform/services/webhook"
)

// API binds the HTTP surface to the domain services. Authn/authz sits in the
// gateway upstream; actor identities arrive in request bodies already
// verified.
type API struct {
	webhookSvc *webhook.Service
	escrowSvc  *escrow.Service
	payoutSvc  *payout.Service
	anomalySvc *anomaly.Service
	artworkSvc *artwork.Service
	alertSvc   *alert.Service
}

type APIParams struct {
	fx.In
	Webhook *webhook.Service
	Escrow  *escrow.Service
	Payout  *payout.Service
	Anomaly *anomaly.Service
	Artwork *artwork.Service
	Alert   *alert.Service
}

func NewAPI(p APIParams) *API {
	return &API{
		webhookSvc: p.Webhook,
		escrowSvc:  p.Escrow,
		payoutSvc:  p.Payout,
		anomalySvc: p.Anomaly,
		artworkSvc: p.Artwork,
		alertSvc:   p.Alert,
	}
}

func (a *API) Register(engine *gin.Engine, healthSvc health.HealthService) {
	engine.GET("/healthz", healthSvc.Liveness)
	engine.GET("/readyz", healthSvc.Readiness)

	engine.POST("/webhooks/payments", a.ReceiveWebhook)

	engine.GET("/orders/:id", a.GetOrder)
	engine.POST("/orders/:id/approve", a.ApproveOrder)

	engine.GET("/payouts/:id", a.GetPayout)
	engine.POST("/payouts/:id/request", a.RequestPayout)

	engine.POST("/artworks/:id/price", a.ProposePrice)
	engine.DELETE("/artworks/:id", a.RemoveArtwork)

	admin := engine.Group("/admin")
	admin.POST("/orders/:id/release", a.AdminRelease)
	admin.POST("/payouts/:id/approve", a.ApprovePayout)
	admin.POST("/payouts/:id/reject", a.RejectPayout)
	admin.POST("/deviations/:id/resolve", a.ResolveDeviation)
	admin.POST("/price-approvals/:id/approve", a.ApprovePriceChange)
	admin.POST("/price-approvals/:id/reject", a.RejectPriceChange)
	admin.GET("/alerts", a.ListAlerts)
	admin.POST("/alerts/:id/resolve", a.ResolveAlert)
	admin.GET("/alerts/summary", a.AlertSummary)
}

// ReceiveWebhook is the processor-facing endpoint. Responses are minimal on
// purpose: 200 means stop redelivering, anything else means try again.
func (a *API) ReceiveWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Error(errutil.BadRequest("unreadable request body", err))
		return
	}

	if err := a.webhookSvc.Ingest(c.Request.Context(), body, c.GetHeader(webhook.SignatureHeader)); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (a *API) GetOrder(c *gin.Context) {
	order, err := a.escrowSvc.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type approveOrderRequest struct {
	BuyerID string `json:"buyer_id" binding:"required"`
}

// ApproveOrder is the buyer confirming receipt: the order completes, escrow
// releases, and the payout approves in one step.
func (a *API) ApproveOrder(c *gin.Context) {
	var req approveOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("buyer_id is required", err))
		return
	}

	order, err := a.escrowSvc.ApproveByBuyer(c.Request.Context(), c.Param("id"), req.BuyerID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type adminReleaseRequest struct {
	AdminID string `json:"admin_id" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

func (a *API) AdminRelease(c *gin.Context) {
	var req adminReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("admin_id and reason are required", err))
		return
	}

	order, err := a.escrowSvc.AdminRelease(c.Request.Context(), c.Param("id"), req.AdminID, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (a *API) GetPayout(c *gin.Context) {
	p, err := a.payoutSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type requestPayoutRequest struct {
	SellerID string `json:"seller_id" binding:"required"`
}

func (a *API) RequestPayout(c *gin.Context) {
	var req requestPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("seller_id is required", err))
		return
	}

	p, err := a.payoutSvc.Request(c.Request.Context(), c.Param("id"), req.SellerID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type approvePayoutRequest struct {
	Approver string `json:"approver" binding:"required"`
}

func (a *API) ApprovePayout(c *gin.Context) {
	var req approvePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("approver is required", err))
		return
	}

	p, err := a.payoutSvc.Approve(c.Request.Context(), c.Param("id"), req.Approver)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type rejectPayoutRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (a *API) RejectPayout(c *gin.Context) {
	var req rejectPayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("reason is required", err))
		return
	}

	p, err := a.payoutSvc.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type resolveDeviationRequest struct {
	Resolver string `json:"resolver" binding:"required"`
	Approve  bool   `json:"approve"`
}

func (a *API) ResolveDeviation(c *gin.Context) {
	var req resolveDeviationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("resolver is required", err))
		return
	}

	dev, err := a.anomalySvc.ResolveDeviation(c.Request.Context(), c.Param("id"), req.Resolver, req.Approve)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dev)
}

type proposePriceRequest struct {
	SellerID string `json:"seller_id" binding:"required"`
	NewPrice int64  `json:"new_price" binding:"required,gt=0"`
}

func (a *API) ProposePrice(c *gin.Context) {
	var req proposePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("seller_id and a positive new_price are required", err))
		return
	}

	approval, err := a.anomalySvc.ProposePriceChange(c.Request.Context(), c.Param("id"), req.SellerID, req.NewPrice)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

type removeArtworkRequest struct {
	SellerID string `json:"seller_id" binding:"required"`
}

func (a *API) RemoveArtwork(c *gin.Context) {
	var req removeArtworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("seller_id is required", err))
		return
	}

	if err := a.artworkSvc.Remove(c.Request.Context(), c.Param("id"), req.SellerID); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

type approvePriceChangeRequest struct {
	Actor string `json:"actor" binding:"required,oneof=seller buyer"`
}

func (a *API) ApprovePriceChange(c *gin.Context) {
	var req approvePriceChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("actor must be seller or buyer", err))
		return
	}

	approval, err := a.anomalySvc.ApprovePriceChange(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

func (a *API) RejectPriceChange(c *gin.Context) {
	approval, err := a.anomalySvc.RejectPriceChange(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

func (a *API) ListAlerts(c *gin.Context) {
	filter := alert.ListFilter{
		Severity: c.Query("severity"),
		Type:     c.Query("type"),
	}
	if raw := c.Query("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			c.Error(errutil.BadRequest("resolved must be a boolean", err))
			return
		}
		filter.Resolved = &resolved
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.Error(errutil.BadRequest("limit must be a non-negative integer", err))
			return
		}
		filter.Limit = limit
	}

	alerts, err := a.alertSvc.List(c.Request.Context(), filter)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (a *API) ResolveAlert(c *gin.Context) {
	if err := a.alertSvc.Resolve(c.Request.Context(), c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

// AlertSummary is the admin dashboard card: open alert counts plus the
// detector's pending queues, aggregated at read time.
func (a *API) AlertSummary(c *gin.Context) {
	summary, err := a.alertSvc.Summary(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	counts, err := a.anomalySvc.Counts(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts":  summary,
		"pending": counts,
	})
}
