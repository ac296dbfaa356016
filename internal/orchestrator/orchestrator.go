// Package orchestrator drives contacts through their campaign step
// sequences: it owns the timer queue, consults the retry policy,
// invokes the delivery gateway, and persists every transition before
// trusting a timer mutation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/drip-email-campaign/internal/delivery"
	"github.com/acme/drip-email-campaign/internal/domain"
	"github.com/acme/drip-email-campaign/internal/queue"
	"github.com/acme/drip-email-campaign/internal/repository"
	apperrors "github.com/acme/drip-email-campaign/pkg/errors"
	"github.com/acme/drip-email-campaign/pkg/logger"
)

// Events receives engine-emitted notifications. Publishing is
// best-effort; the engine's own state never depends on it.
type Events interface {
	PublishDelivery(ctx context.Context, event queue.DeliveryEvent) error
	PublishContact(ctx context.Context, event queue.ContactEvent) error
	PublishCampaign(ctx context.Context, event queue.CampaignEvent) error
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) PublishDelivery(context.Context, queue.DeliveryEvent) error { return nil }
func (NopEvents) PublishContact(context.Context, queue.ContactEvent) error   { return nil }
func (NopEvents) PublishCampaign(context.Context, queue.CampaignEvent) error { return nil }

// Limiter bounds in-flight deliveries across engine replicas.
type Limiter interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
}

// Options carries the externally supplied engine knobs.
type Options struct {
	MaxInFlight        int
	DeliveryTimeout    time.Duration
	DefaultRetry       domain.RetryPolicy
	DefaultFailureMode domain.StepFailureMode
}

// Orchestrator coordinates all campaigns sharing one contact store.
type Orchestrator struct {
	campaigns repository.CampaignRepository
	contacts  repository.ContactRepository
	timeline  repository.AttemptTimeline
	gateway   delivery.Gateway
	events    Events
	limiter   Limiter
	timers    *TimerQueue
	locks     *lockTable
	logger    *logger.Logger
	opts      Options
}

// New constructs an orchestrator. timeline, events and limiter may be
// nil; the corresponding concerns are then skipped.
func New(
	campaigns repository.CampaignRepository,
	contacts repository.ContactRepository,
	timeline repository.AttemptTimeline,
	gateway delivery.Gateway,
	events Events,
	limiter Limiter,
	lg *logger.Logger,
	opts Options,
) *Orchestrator {
	if events == nil {
		events = NopEvents{}
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.DefaultFailureMode == "" {
		opts.DefaultFailureMode = domain.StepFailureSkip
	}
	return &Orchestrator{
		campaigns: campaigns,
		contacts:  contacts,
		timeline:  timeline,
		gateway:   gateway,
		events:    events,
		limiter:   limiter,
		timers:    NewTimerQueue(),
		locks:     newLockTable(),
		logger:    lg,
		opts:      opts,
	}
}

// Timers exposes the queue for inspection.
func (o *Orchestrator) Timers() *TimerQueue {
	return o.timers
}

// Activate transitions a draft campaign to active and arms the first
// timer for every contact. The first fire time is activation time
// plus step zero's delay.
func (o *Orchestrator) Activate(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := o.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignStatusDraft {
		return fmt.Errorf("%w: campaign %s is %s, want draft", apperrors.ErrInvalidCampaignState, campaignID, campaign.Status)
	}
	if len(campaign.Steps) == 0 {
		return fmt.Errorf("%w: campaign %s has no steps", apperrors.ErrInvalidCampaignState, campaignID)
	}

	now := time.Now().UTC()
	fireAt := now.Add(campaign.Steps[0].Delay)

	if err := o.contacts.MarkScheduled(ctx, campaignID, fireAt); err != nil {
		return fmt.Errorf("orchestrator: schedule contacts: %w", err)
	}
	if err := o.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusActive, now); err != nil {
		return fmt.Errorf("orchestrator: activate campaign: %w", err)
	}

	contacts, err := o.contacts.ListByCampaign(ctx, campaignID, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: list contacts: %w", err)
	}
	for _, contact := range contacts {
		if contact.Halted || contact.NextFireAt == nil {
			continue
		}
		o.timers.Schedule(contact.ID, *contact.NextFireAt)
	}

	o.publishCampaign(ctx, campaignID, domain.CampaignStatusActive, now)
	o.logger.Info("campaign activated",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("contacts", len(contacts)),
		zap.Time("first_fire_at", fireAt))
	return nil
}

// Cancel stops an active or draft campaign. Persisted fire times are
// cleared alongside the in-memory timers so a queue rebuild, here or
// in another replica, never resurrects the cancelled contacts;
// contacts otherwise keep their last recorded state.
func (o *Orchestrator) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := o.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	switch campaign.Status {
	case domain.CampaignStatusCompleted, domain.CampaignStatusCancelled:
		return fmt.Errorf("%w: campaign %s is already %s", apperrors.ErrInvalidCampaignState, campaignID, campaign.Status)
	}

	now := time.Now().UTC()
	if err := o.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusCancelled, now); err != nil {
		return fmt.Errorf("orchestrator: cancel campaign: %w", err)
	}
	if err := o.contacts.Unschedule(ctx, campaignID); err != nil {
		return fmt.Errorf("orchestrator: unschedule contacts: %w", err)
	}

	contacts, err := o.contacts.ListByCampaign(ctx, campaignID, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: list contacts: %w", err)
	}
	for _, contact := range contacts {
		o.timers.Cancel(contact.ID)
	}

	o.publishCampaign(ctx, campaignID, domain.CampaignStatusCancelled, now)
	o.logger.Info("campaign cancelled", zap.String("campaign_id", campaignID.String()))
	return nil
}

// OnReply applies the reply transition for a contact. Duplicate or
// late notifications for already-terminal contacts are logged and
// dropped, never surfaced as errors.
func (o *Orchestrator) OnReply(ctx context.Context, contactID uuid.UUID, observedAt time.Time) error {
	unlock := o.locks.Lock(contactID)
	defer unlock()

	contact, err := o.contacts.Get(ctx, contactID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("reply for unknown contact dropped", zap.String("contact_id", contactID.String()))
			return nil
		}
		return fmt.Errorf("orchestrator: load contact: %w", err)
	}
	if contact.Halted || contact.Status.Terminal() {
		o.logger.Debug("reply for terminal contact ignored",
			zap.String("contact_id", contactID.String()),
			zap.String("status", string(contact.Status)))
		return nil
	}

	now := time.Now().UTC()
	replied := observedAt.UTC()
	contact.Status = domain.ContactStatusReplied
	contact.Halted = true
	contact.RepliedAt = &replied
	contact.NextFireAt = nil
	contact.UpdatedAt = now

	if err := o.contacts.Commit(ctx, repository.ContactDelta{Contact: contact}); err != nil {
		if errors.Is(err, repository.ErrHalted) {
			// Another process halted the contact first.
			o.timers.Cancel(contactID)
			return nil
		}
		return fmt.Errorf("orchestrator: commit reply: %w", err)
	}
	o.timers.Cancel(contactID)

	o.publishContact(ctx, contact, now)
	o.logger.Info("contact replied",
		zap.String("contact_id", contactID.String()),
		zap.String("campaign_id", contact.CampaignID.String()),
		zap.Time("observed_at", replied))

	o.maybeCompleteCampaign(ctx, contact.CampaignID, now)
	return nil
}

// Status returns the per-status contact counts of a campaign.
func (o *Orchestrator) Status(ctx context.Context, campaignID uuid.UUID) (domain.StatusSnapshot, error) {
	if _, err := o.campaigns.Get(ctx, campaignID); err != nil {
		return domain.StatusSnapshot{}, err
	}
	return o.contacts.StatusCounts(ctx, campaignID)
}

// SyncTimers reconciles the in-memory queue with the persisted fire
// times of non-halted contacts. It is the restart recovery path and
// also how a running engine discovers contacts activated by another
// process.
func (o *Orchestrator) SyncTimers(ctx context.Context) error {
	timers, err := o.contacts.ListScheduled(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: sync timers: %w", err)
	}
	for _, t := range timers {
		o.timers.Schedule(t.ContactID, t.FireAt)
	}
	return nil
}

func (o *Orchestrator) policyFor(campaign *domain.Campaign) domain.RetryPolicy {
	policy := campaign.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = o.opts.DefaultRetry
	}
	return policy
}

func (o *Orchestrator) failureModeFor(campaign *domain.Campaign) domain.StepFailureMode {
	if campaign.StepFailureMode != "" {
		return campaign.StepFailureMode
	}
	return o.opts.DefaultFailureMode
}

func (o *Orchestrator) publishCampaign(ctx context.Context, campaignID uuid.UUID, status domain.CampaignStatus, at time.Time) {
	event := queue.CampaignEvent{CampaignID: campaignID, Status: string(status), OccurredAt: at}
	if err := o.events.PublishCampaign(ctx, event); err != nil {
		o.logger.Warn("publish campaign event", zap.Error(err))
	}
}

func (o *Orchestrator) publishContact(ctx context.Context, contact *domain.Contact, at time.Time) {
	event := queue.ContactEvent{
		ContactID:  contact.ID,
		CampaignID: contact.CampaignID,
		Status:     string(contact.Status),
		OccurredAt: at,
	}
	if err := o.events.PublishContact(ctx, event); err != nil {
		o.logger.Warn("publish contact event", zap.Error(err))
	}
}

// maybeCompleteCampaign marks the campaign completed once every
// contact reached a terminal state. Completion is derived from
// contact statuses, never tracked as an independent counter.
func (o *Orchestrator) maybeCompleteCampaign(ctx context.Context, campaignID uuid.UUID, now time.Time) {
	campaign, err := o.campaigns.Get(ctx, campaignID)
	if err != nil {
		o.logger.Warn("completion check: load campaign", zap.Error(err))
		return
	}
	if campaign.Status != domain.CampaignStatusActive {
		return
	}

	snapshot, err := o.contacts.StatusCounts(ctx, campaignID)
	if err != nil {
		o.logger.Warn("completion check: status counts", zap.Error(err))
		return
	}
	if !snapshot.Settled() {
		return
	}

	if err := o.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignStatusCompleted, now); err != nil {
		o.logger.Warn("completion check: update status", zap.Error(err))
		return
	}
	o.publishCampaign(ctx, campaignID, domain.CampaignStatusCompleted, now)
	o.logger.Info("campaign completed", zap.String("campaign_id", campaignID.String()))
}

func (o *Orchestrator) appendTimeline(ctx context.Context, attempt domain.DeliveryAttempt) {
	if o.timeline == nil {
		return
	}
	if err := o.timeline.Append(ctx, attempt); err != nil {
		o.logger.Warn("attempt timeline append", zap.Error(err))
	}
}

func (o *Orchestrator) publishDelivery(ctx context.Context, attempt domain.DeliveryAttempt, nextFire *time.Time) {
	event := queue.DeliveryEvent{
		ContactID:   attempt.ContactID,
		CampaignID:  attempt.CampaignID,
		StepIndex:   attempt.StepIndex,
		Attempt:     attempt.AttemptNum,
		Outcome:     string(attempt.Outcome),
		FailureKind: string(attempt.FailureKind),
		Error:       attempt.Error,
		NextFireAt:  nextFire,
		OccurredAt:  attempt.CreatedAt,
	}
	if err := o.events.PublishDelivery(ctx, event); err != nil {
		o.logger.Warn("publish delivery event", zap.Error(err))
	}
}
