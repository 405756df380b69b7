package escrow

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/pactum-labs/pactum/internal/auth"
	"github.com/pactum-labs/pactum/internal/logging"
	"github.com/pactum-labs/pactum/internal/processor"
	"github.com/pactum-labs/pactum/internal/validation"
)

const maxWebhookBody = 1 << 16

// Handler provides HTTP endpoints for the campaign lifecycle.
type Handler struct {
	machine    *Machine
	reconciler *Reconciler
	scheduler  *Scheduler
	events     processor.EventParser
	onboarder  processor.Onboarder
	baseURL    string
	logger     *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(machine *Machine, reconciler *Reconciler, scheduler *Scheduler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		machine:    machine,
		reconciler: reconciler,
		scheduler:  scheduler,
		logger:     logger,
	}
}

// WithWebhooks enables the processor webhook endpoint.
func (h *Handler) WithWebhooks(parser processor.EventParser) *Handler {
	h.events = parser
	return h
}

// WithOnboarding enables payout account onboarding links.
func (h *Handler) WithOnboarding(o processor.Onboarder, baseURL string) *Handler {
	h.onboarder = o
	h.baseURL = baseURL
	return h
}

// RegisterRoutes sets up actor-facing routes. The group must run auth.Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/campaigns", h.ListCampaigns)
	r.POST("/campaigns", auth.RequireRole(auth.RoleFunder, auth.RoleAdmin), h.CreateCampaign)
	r.GET("/campaigns/:id", h.GetCampaign)
	r.POST("/campaigns/:id/applications", auth.RequireRole(auth.RoleCreator), h.Apply)
	r.GET("/campaigns/:id/applications", h.ListCampaignApplications)
	r.POST("/campaigns/:id/select", h.Select)
	r.POST("/campaigns/:id/fund", h.Fund)
	r.POST("/campaigns/:id/cancel", h.Cancel)

	r.POST("/applications/:id/proof", h.SubmitProof)
	r.POST("/applications/:id/review", h.Review)
	r.PATCH("/applications/:id", h.UpdateApplication)
	r.POST("/applications/:id/withdraw", h.Withdraw)

	r.GET("/parties/:id/applications", h.ListPartyApplications)
	r.PUT("/parties/:id/payout-account", h.SetPayoutAccount)
	r.POST("/payouts/onboard", auth.RequireRole(auth.RoleCreator), h.Onboard)
}

// RegisterWebhookRoutes sets up the processor webhook route. It is
// authenticated by signature, not by actor headers.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Webhook)
}

// RegisterAdminRoutes sets up operator routes. The group must run auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.RunReconciliation)
	r.POST("/admin/campaigns/:id/release", h.AdminRelease)
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(c *gin.Context) {
	var req CreateCampaignRequest
	if !bindJSON(c, &req) {
		return
	}
	actor, _ := auth.GetActor(c)
	campaign, err := h.machine.CreateCampaign(c.Request.Context(), actor.ID, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"campaign": campaign})
}

// GetCampaign handles GET /v1/campaigns/:id
func (h *Handler) GetCampaign(c *gin.Context) {
	campaign, err := h.machine.GetCampaign(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign})
}

// ListCampaigns handles GET /v1/campaigns
func (h *Handler) ListCampaigns(c *gin.Context) {
	filter := CampaignFilter{
		FunderID: c.Query("funderId"),
		PartyID:  c.Query("partyId"),
		Status:   CampaignStatus(c.Query("status")),
		Cursor:   c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			filter.Limit = parsed
		}
	}
	page, err := h.machine.ListCampaigns(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Apply handles POST /v1/campaigns/:id/applications
func (h *Handler) Apply(c *gin.Context) {
	var req ApplyRequest
	if !bindJSON(c, &req) {
		return
	}
	actor, _ := auth.GetActor(c)
	app, err := h.machine.Apply(c.Request.Context(), actor.ID, c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"application": app})
}

// ListCampaignApplications handles GET /v1/campaigns/:id/applications.
// The funder sees every application; anyone else sees only their own.
func (h *Handler) ListCampaignApplications(c *gin.Context) {
	ctx := c.Request.Context()
	campaign, err := h.machine.GetCampaign(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	filter := ApplicationFilter{CampaignID: campaign.ID, Status: ApplicationStatus(c.Query("status"))}
	actor, _ := auth.GetActor(c)
	if !ownsCampaign(actor, campaign) {
		filter.PartyID = actor.ID
	}
	apps, err := h.machine.ListApplications(ctx, filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps, "count": len(apps)})
}

type selectRequest struct {
	ApplicationID string `json:"applicationId" binding:"required"`
}

// Select handles POST /v1/campaigns/:id/select
func (h *Handler) Select(c *gin.Context) {
	var req selectRequest
	if !bindJSON(c, &req) {
		return
	}
	if !h.requireCampaignOwner(c, c.Param("id")) {
		return
	}
	h.transition(c, SelectEvent{CampaignID: c.Param("id"), ApplicationID: req.ApplicationID})
}

// Fund handles POST /v1/campaigns/:id/fund. The response carries the client
// secret the payer confirms the hold with.
func (h *Handler) Fund(c *gin.Context) {
	if !h.requireCampaignOwner(c, c.Param("id")) {
		return
	}
	h.transition(c, FundEvent{CampaignID: c.Param("id")})
}

// Cancel handles POST /v1/campaigns/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	if !h.requireCampaignOwner(c, c.Param("id")) {
		return
	}
	h.transition(c, CancelEvent{CampaignID: c.Param("id")})
}

type proofRequest struct {
	ProofURL string `json:"proofUrl" binding:"required"`
	Notes    string `json:"notes,omitempty"`
}

// SubmitProof handles POST /v1/applications/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	var req proofRequest
	if !bindJSON(c, &req) {
		return
	}
	if _, ok := h.requireApplicant(c, c.Param("id")); !ok {
		return
	}
	h.transition(c, SubmitProofEvent{ApplicationID: c.Param("id"), ProofURL: req.ProofURL, Notes: req.Notes})
}

type reviewRequest struct {
	Decision string `json:"decision" binding:"required"`
	Reason   string `json:"reason,omitempty"`
}

// Review handles POST /v1/applications/:id/review
func (h *Handler) Review(c *gin.Context) {
	var req reviewRequest
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.OneOf("decision", req.Decision, "approve", "reject"),
	); len(errs) > 0 {
		h.writeError(c, &ValidationError{Fields: errs})
		return
	}

	ctx := c.Request.Context()
	app, err := h.machine.GetApplication(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !h.requireCampaignOwner(c, app.CampaignID) {
		return
	}
	h.transition(c, ReviewEvent{ApplicationID: app.ID, Approve: req.Decision == "approve", Reason: req.Reason})
}

// UpdateApplication handles PATCH /v1/applications/:id
func (h *Handler) UpdateApplication(c *gin.Context) {
	var req UpdateApplicationRequest
	if !bindJSON(c, &req) {
		return
	}
	if _, ok := h.requireApplicant(c, c.Param("id")); !ok {
		return
	}
	app, err := h.machine.UpdateApplication(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"application": app})
}

// Withdraw handles POST /v1/applications/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	if _, ok := h.requireApplicant(c, c.Param("id")); !ok {
		return
	}
	app, err := h.machine.Withdraw(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"application": app})
}

// ListPartyApplications handles GET /v1/parties/:id/applications
func (h *Handler) ListPartyApplications(c *gin.Context) {
	if !requireSelf(c, c.Param("id")) {
		return
	}
	apps, err := h.machine.ListApplications(c.Request.Context(), ApplicationFilter{
		PartyID: c.Param("id"),
		Status:  ApplicationStatus(c.Query("status")),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps, "count": len(apps)})
}

type payoutAccountRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

// SetPayoutAccount handles PUT /v1/parties/:id/payout-account
func (h *Handler) SetPayoutAccount(c *gin.Context) {
	var req payoutAccountRequest
	if !bindJSON(c, &req) {
		return
	}
	if !requireSelf(c, c.Param("id")) {
		return
	}
	if err := h.machine.SetPayoutAccount(c.Request.Context(), c.Param("id"), req.AccountID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partyId": c.Param("id"), "accountId": req.AccountID})
}

type onboardRequest struct {
	Email string `json:"email" binding:"required"`
}

// Onboard handles POST /v1/payouts/onboard: it creates the party's payout
// account on first use and returns a hosted onboarding link.
func (h *Handler) Onboard(c *gin.Context) {
	if h.onboarder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "onboarding_unavailable",
			"message": "Payout onboarding is not configured",
		})
		return
	}
	var req onboardRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	actor, _ := auth.GetActor(c)
	account, err := h.machine.PayoutAccount(ctx, actor.ID)
	if errors.Is(err, ErrNoPayoutAccount) {
		account, err = h.onboarder.CreatePayoutAccount(ctx, req.Email)
		if err == nil {
			err = h.machine.SetPayoutAccount(ctx, actor.ID, account)
		}
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	link, err := h.onboarder.OnboardingLink(ctx, account, h.baseURL+"/stripe/refresh", h.baseURL+"/stripe/success")
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": account, "url": link})
}

// Webhook handles POST /v1/webhooks/stripe. A 500 makes the processor redeliver.
func (h *Handler) Webhook(c *gin.Context) {
	if h.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "webhooks_unavailable",
			"message": "Webhook verification is not configured",
		})
		return
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}

	ev, err := h.events.ParseEvent(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("rejected webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Webhook verification failed"})
		return
	}

	if _, err := h.reconciler.Handle(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to process event"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// RunReconciliation handles POST /v1/admin/reconcile
func (h *Handler) RunReconciliation(c *gin.Context) {
	res, err := h.scheduler.RunTick(c.Request.Context())
	body := gin.H{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// AdminRelease handles POST /v1/admin/campaigns/:id/release
func (h *Handler) AdminRelease(c *gin.Context) {
	logging.L(c.Request.Context()).Info("admin release requested", "campaignId", c.Param("id"))
	h.transition(c, ReleaseEvent{CampaignID: c.Param("id")})
}

func (h *Handler) transition(c *gin.Context, ev Event) {
	out, err := h.machine.Transition(c.Request.Context(), ev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) requireCampaignOwner(c *gin.Context, campaignID string) bool {
	campaign, err := h.machine.GetCampaign(c.Request.Context(), campaignID)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	actor, _ := auth.GetActor(c)
	if !ownsCampaign(actor, campaign) {
		h.writeError(c, ErrForbidden)
		return false
	}
	return true
}

func (h *Handler) requireApplicant(c *gin.Context, applicationID string) (*Application, bool) {
	app, err := h.machine.GetApplication(c.Request.Context(), applicationID)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	actor, _ := auth.GetActor(c)
	if actor.ID != app.PartyID && !actor.IsAdmin() {
		h.writeError(c, ErrForbidden)
		return nil, false
	}
	return app, true
}

func requireSelf(c *gin.Context, partyID string) bool {
	actor, _ := auth.GetActor(c)
	if actor.ID != partyID && !actor.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": ErrForbidden.Error()})
		return false
	}
	return true
}

func ownsCampaign(actor auth.Actor, campaign *Campaign) bool {
	return actor.ID == campaign.FunderID || actor.IsAdmin()
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// writeError maps domain and processor errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		ve *ValidationError
		ce *ConflictError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": ve.Fields.Error(),
			"details": ve.Fields,
		})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrNoPayoutAccount):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_payout_account", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &ce):
		body := gin.H{"error": "conflict", "message": ce.Reason}
		if ce.ConflictingCampaignID != "" {
			body["conflictingCampaignId"] = ce.ConflictingCampaignID
		}
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, processor.ErrOutcomeUnknown):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "outcome_unknown",
			"message": "Payment processor did not answer in time; the result will be reconciled",
		})
	case processor.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "processor_unavailable",
			"message": "Payment processor unavailable, retry later",
		})
	case errors.Is(err, processor.ErrInvalidRequest):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_rejected", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
