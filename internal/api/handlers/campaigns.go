package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/drip-email-campaign/internal/domain"
	campaignsvc "github.com/acme/drip-email-campaign/internal/service/campaign"
	apperrors "github.com/acme/drip-email-campaign/pkg/errors"
)

type createCampaignRequest struct {
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	Steps           []stepRequest       `json:"steps"`
	RetryPolicy     *retryPolicyRequest `json:"retry_policy"`
	StepFailureMode string              `json:"step_failure_mode"`
	MaxInFlight     int                 `json:"max_in_flight"`
	Contacts        []contactRequest    `json:"contacts"`
}

type stepRequest struct {
	Delay      string `json:"delay"`
	PayloadRef string `json:"payload_ref"`
}

type retryPolicyRequest struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

type contactRequest struct {
	Email string `json:"email"`
}

type campaignResponse struct {
	ID              uuid.UUID             `json:"id"`
	Name            string                `json:"name"`
	Description     string                `json:"description"`
	Status          domain.CampaignStatus `json:"status"`
	Steps           []stepResponse        `json:"steps"`
	RetryPolicy     retryPolicyResponse   `json:"retry_policy"`
	StepFailureMode string                `json:"step_failure_mode"`
	MaxInFlight     int                   `json:"max_in_flight"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	ActivatedAt     *time.Time            `json:"activated_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

type stepResponse struct {
	Index      int    `json:"index"`
	Delay      string `json:"delay"`
	PayloadRef string `json:"payload_ref"`
}

type retryPolicyResponse struct {
	MaxAttempts int    `json:"max_attempts"`
	BaseDelay   string `json:"base_delay"`
	MaxDelay    string `json:"max_delay"`
}

type campaignStatusResponse struct {
	Pending   int64 `json:"pending"`
	Scheduled int64 `json:"scheduled"`
	Sent      int64 `json:"sent"`
	Replied   int64 `json:"replied"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
	Settled   bool  `json:"settled"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type contactResponse struct {
	ID           uuid.UUID            `json:"id"`
	CampaignID   uuid.UUID            `json:"campaign_id"`
	Email        string               `json:"email"`
	Status       domain.ContactStatus `json:"status"`
	CurrentStep  int                  `json:"current_step"`
	AttemptCount int                  `json:"attempt_count"`
	NextFireAt   *time.Time           `json:"next_fire_at,omitempty"`
	Halted       bool                 `json:"halted"`
	RepliedAt    *time.Time           `json:"replied_at,omitempty"`
	LastError    *string              `json:"last_error,omitempty"`
}

type listContactsResponse struct {
	Contacts []contactResponse `json:"contacts"`
}

type attemptResponse struct {
	ID             uuid.UUID `json:"id"`
	ContactID      uuid.UUID `json:"contact_id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	StepIndex      int       `json:"step_index"`
	AttemptNum     int       `json:"attempt_num"`
	Outcome        string    `json:"outcome"`
	FailureKind    string    `json:"failure_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	BackoffApplied string    `json:"backoff_applied,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"next_page_token,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input, err := toCreateCampaignInput(req)
	if err != nil {
		return translateError(err)
	}

	campaign, err := h.campaigns.Create(ctx.Context(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}

	campaigns, err := h.campaigns.List(ctx.Context(), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) activateCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.engine.Activate(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}
	if err := h.engine.Cancel(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) campaignStatus(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	snapshot, err := h.engine.Status(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(campaignStatusResponse{
		Pending:   snapshot.Pending,
		Scheduled: snapshot.Scheduled,
		Sent:      snapshot.Sent,
		Replied:   snapshot.Replied,
		Completed: snapshot.Completed,
		Failed:    snapshot.Failed,
		Total:     snapshot.Total(),
		Settled:   snapshot.Settled(),
	})
}

func (h *HandlerSet) addContacts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req struct {
		Contacts []contactRequest `json:"contacts"`
	}
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	contacts := make([]campaignsvc.ContactInput, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		contacts = append(contacts, campaignsvc.ContactInput{Email: c.Email})
	}

	if err := h.campaigns.AddContacts(ctx.Context(), id, contacts); err != nil {
		return translateError(err)
	}

	return ctx.SendStatus(http.StatusAccepted)
}

func (h *HandlerSet) listContacts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	contacts, err := h.campaigns.Contacts(ctx.Context(), id, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listContactsResponse{Contacts: make([]contactResponse, 0, len(contacts))}
	for _, c := range contacts {
		resp.Contacts = append(resp.Contacts, toContactResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) listCampaignAttempts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	pagingState, err := decodePageToken(ctx.Query("page_token", ""))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	attempts, nextState, err := h.timeline.ListByCampaign(ctx.Context(), id, limit, pagingState)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{
		Attempts: toAttemptResponses(attempts),
		NextPage: encodePageToken(nextState),
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) listContactAttempts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid contact id")
	}

	attempts, err := h.campaigns.ContactAttempts(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: toAttemptResponses(attempts)}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func toAttemptResponses(attempts []domain.DeliveryAttempt) []attemptResponse {
	out := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp := attemptResponse{
			ID:          a.ID,
			ContactID:   a.ContactID,
			CampaignID:  a.CampaignID,
			StepIndex:   a.StepIndex,
			AttemptNum:  a.AttemptNum,
			Outcome:     string(a.Outcome),
			FailureKind: string(a.FailureKind),
			Error:       a.Error,
			CreatedAt:   a.CreatedAt,
		}
		if a.BackoffApplied > 0 {
			resp.BackoffApplied = a.BackoffApplied.String()
		}
		out = append(out, resp)
	}
	return out
}

func toContactResponse(contact *domain.Contact) contactResponse {
	return contactResponse{
		ID:           contact.ID,
		CampaignID:   contact.CampaignID,
		Email:        contact.Email,
		Status:       contact.Status,
		CurrentStep:  contact.CurrentStep,
		AttemptCount: contact.AttemptCount,
		NextFireAt:   contact.NextFireAt,
		Halted:       contact.Halted,
		RepliedAt:    contact.RepliedAt,
		LastError:    contact.LastError,
	}
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	resp := campaignResponse{
		ID:          campaign.ID,
		Name:        campaign.Name,
		Description: campaign.Description,
		Status:      campaign.Status,
		Steps:       make([]stepResponse, 0, len(campaign.Steps)),
		RetryPolicy: retryPolicyResponse{
			MaxAttempts: campaign.RetryPolicy.MaxAttempts,
			BaseDelay:   campaign.RetryPolicy.BaseDelay.String(),
			MaxDelay:    campaign.RetryPolicy.MaxDelay.String(),
		},
		StepFailureMode: string(campaign.StepFailureMode),
		MaxInFlight:     campaign.MaxInFlight,
		CreatedAt:       campaign.CreatedAt,
		UpdatedAt:       campaign.UpdatedAt,
		ActivatedAt:     campaign.ActivatedAt,
		CompletedAt:     campaign.CompletedAt,
	}

	for _, step := range campaign.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			Index:      step.Index,
			Delay:      step.Delay.String(),
			PayloadRef: step.PayloadRef,
		})
	}

	return resp
}

func toCreateCampaignInput(req createCampaignRequest) (campaignsvc.CreateCampaignInput, error) {
	input := campaignsvc.CreateCampaignInput{
		Name:            req.Name,
		Description:     req.Description,
		StepFailureMode: domain.StepFailureMode(req.StepFailureMode),
		MaxInFlight:     req.MaxInFlight,
	}

	steps := make([]campaignsvc.StepInput, 0, len(req.Steps))
	for i, s := range req.Steps {
		delay, err := parseDelay(s.Delay)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, fmt.Errorf("%w: step %d has invalid delay", apperrors.ErrValidation, i)
		}
		steps = append(steps, campaignsvc.StepInput{Delay: delay, PayloadRef: s.PayloadRef})
	}
	input.Steps = steps

	if req.RetryPolicy != nil {
		rp, err := parseRetryPolicy(*req.RetryPolicy)
		if err != nil {
			return campaignsvc.CreateCampaignInput{}, err
		}
		input.RetryPolicy = &rp
	}

	contacts := make([]campaignsvc.ContactInput, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		contacts = append(contacts, campaignsvc.ContactInput{Email: c.Email})
	}
	input.Contacts = contacts

	return input, nil
}

func parseRetryPolicy(req retryPolicyRequest) (domain.RetryPolicy, error) {
	policy := domain.RetryPolicy{MaxAttempts: req.MaxAttempts}
	if req.BaseDelay != "" {
		d, err := time.ParseDuration(req.BaseDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("%w: invalid base_delay", apperrors.ErrValidation)
		}
		policy.BaseDelay = d
	}
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			return domain.RetryPolicy{}, fmt.Errorf("%w: invalid max_delay", apperrors.ErrValidation)
		}
		policy.MaxDelay = d
	}
	return policy, nil
}

func parseDelay(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

func decodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	return base64.URLEncoding.DecodeString(token)
}

func encodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.URLEncoding.EncodeToString(state)
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}
