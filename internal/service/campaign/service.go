package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/drip-email-campaign/internal/domain"
	"github.com/acme/drip-email-campaign/internal/repository"
	apperrors "github.com/acme/drip-email-campaign/pkg/errors"
)

// Service provisions campaigns and their contact lists. Inputs are
// assumed to be already validated records; the service only enforces
// structural rules the engine depends on.
type Service struct {
	repo               repository.CampaignRepository
	contactRepo        repository.ContactRepository
	defaultRetry       domain.RetryPolicy
	defaultFailureMode domain.StepFailureMode
	defaultMaxInFlight int
}

// NewService constructs a campaign service.
func NewService(
	repo repository.CampaignRepository,
	contacts repository.ContactRepository,
	defaultRetry domain.RetryPolicy,
	defaultFailureMode domain.StepFailureMode,
	defaultMaxInFlight int,
) *Service {
	return &Service{
		repo:               repo,
		contactRepo:        contacts,
		defaultRetry:       defaultRetry,
		defaultFailureMode: defaultFailureMode,
		defaultMaxInFlight: defaultMaxInFlight,
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	Name            string
	Description     string
	Steps           []StepInput
	RetryPolicy     *domain.RetryPolicy
	StepFailureMode domain.StepFailureMode
	MaxInFlight     int
	Contacts        []ContactInput
}

// StepInput expresses one step of the drip sequence.
type StepInput struct {
	Delay      time.Duration
	PayloadRef string
}

// ContactInput expresses one recipient.
type ContactInput struct {
	Email string
}

// Create provisions a new draft campaign with its steps and contacts.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	campaign := &domain.Campaign{
		ID:              uuid.New(),
		Name:            input.Name,
		Description:     input.Description,
		Status:          domain.CampaignStatusDraft,
		Steps:           toDomainSteps(input.Steps),
		RetryPolicy:     s.resolveRetry(input.RetryPolicy),
		StepFailureMode: s.resolveFailureMode(input.StepFailureMode),
		MaxInFlight:     s.resolveMaxInFlight(input.MaxInFlight),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}

	if len(input.Contacts) > 0 {
		if err := s.contactRepo.BulkInsert(ctx, toDomainContacts(campaign.ID, input.Contacts, now)); err != nil {
			return nil, fmt.Errorf("campaign service: store contacts: %w", err)
		}
	}

	return campaign, nil
}

// Get retrieves a campaign including its step sequence.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns with keyset pagination.
func (s *Service) List(ctx context.Context, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, afterID, limit)
}

// Contacts returns a campaign's contacts.
func (s *Service) Contacts(ctx context.Context, campaignID uuid.UUID, limit int) ([]*domain.Contact, error) {
	if _, err := s.repo.Get(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.contactRepo.ListByCampaign(ctx, campaignID, limit)
}

// AddContacts appends contacts to a draft campaign. Contact lists are
// frozen once the campaign is active: the activation fire time has
// already been computed for the existing set.
func (s *Service) AddContacts(ctx context.Context, campaignID uuid.UUID, contacts []ContactInput) error {
	if len(contacts) == 0 {
		return nil
	}

	campaign, err := s.repo.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusDraft {
		return fmt.Errorf("%w: cannot add contacts to %s campaign", apperrors.ErrInvalidCampaignState, campaign.Status)
	}

	if err := s.contactRepo.BulkInsert(ctx, toDomainContacts(campaignID, contacts, time.Now().UTC())); err != nil {
		return fmt.Errorf("campaign service: add contacts: %w", err)
	}
	return nil
}

// ContactAttempts returns the full attempt history for a contact.
func (s *Service) ContactAttempts(ctx context.Context, contactID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	if _, err := s.contactRepo.Get(ctx, contactID); err != nil {
		return nil, err
	}
	return s.contactRepo.Attempts(ctx, contactID)
}

func (s *Service) resolveRetry(policy *domain.RetryPolicy) domain.RetryPolicy {
	if policy == nil {
		return normalizeRetry(s.defaultRetry)
	}
	return normalizeRetry(*policy)
}

func (s *Service) resolveFailureMode(mode domain.StepFailureMode) domain.StepFailureMode {
	switch mode {
	case domain.StepFailureSkip, domain.StepFailureFail:
		return mode
	}
	if s.defaultFailureMode != "" {
		return s.defaultFailureMode
	}
	return domain.StepFailureSkip
}

func (s *Service) resolveMaxInFlight(value int) int {
	if value <= 0 {
		return s.defaultMaxInFlight
	}
	return value
}

func normalizeRetry(policy domain.RetryPolicy) domain.RetryPolicy {
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 2 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Minute
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	return policy
}

func toDomainSteps(inputs []StepInput) []domain.Step {
	steps := make([]domain.Step, 0, len(inputs))
	for i, in := range inputs {
		steps = append(steps, domain.Step{
			Index:      i,
			Delay:      in.Delay,
			PayloadRef: in.PayloadRef,
		})
	}
	return steps
}

func toDomainContacts(campaignID uuid.UUID, inputs []ContactInput, now time.Time) []*domain.Contact {
	contacts := make([]*domain.Contact, 0, len(inputs))
	for _, in := range inputs {
		contacts = append(contacts, &domain.Contact{
			ID:          uuid.New(),
			CampaignID:  campaignID,
			Email:       in.Email,
			Status:      domain.ContactStatusPending,
			CurrentStep: -1,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return contacts
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: campaign name is required", apperrors.ErrValidation)
	}
	if len(input.Steps) == 0 {
		return fmt.Errorf("%w: campaign needs at least one step", apperrors.ErrValidation)
	}
	for i, step := range input.Steps {
		if step.Delay < 0 {
			return fmt.Errorf("%w: step %d has negative delay", apperrors.ErrValidation, i)
		}
		if step.PayloadRef == "" {
			return fmt.Errorf("%w: step %d has no payload reference", apperrors.ErrValidation, i)
		}
	}
	for _, contact := range input.Contacts {
		if contact.Email == "" {
			return fmt.Errorf("%w: contact email is required", apperrors.ErrValidation)
		}
	}
	return nil
}
