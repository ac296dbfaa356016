package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/drip-email-campaign/internal/delivery"
	"github.com/acme/drip-email-campaign/internal/domain"
	"github.com/acme/drip-email-campaign/internal/repository"
	"github.com/acme/drip-email-campaign/internal/retry"
)

// Tick pulls every due contact off the timer queue and drives one
// delivery attempt for each through a bounded worker pool. Failures
// are isolated per contact: a poisoned contact is re-armed for the
// next tick and never blocks the rest of the due set. Safe to call
// with an empty due set.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	due := o.timers.PopDue(now)
	if len(due) == 0 {
		return
	}

	tracer := otel.Tracer("drip.orchestrator")
	tctx, span := tracer.Start(ctx, "orchestrator.tick", trace.WithAttributes(
		attribute.Int("due.count", len(due)),
	))
	defer span.End()

	g := new(errgroup.Group)
	if o.opts.MaxInFlight > 0 {
		g.SetLimit(o.opts.MaxInFlight)
	}

	for _, contactID := range due {
		contactID := contactID
		g.Go(func() error {
			if err := o.processDue(tctx, contactID, now); err != nil {
				span.RecordError(err)
				o.logger.Error("tick: process contact",
					zap.Error(err),
					zap.String("contact_id", contactID.String()))
				// Prior state is intact; retry on the next tick.
				o.timers.Schedule(contactID, now)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processDue drives a single delivery attempt for one due contact.
// The contact lock is held for state reads and the commit, but never
// across the gateway call: a reply may land while the send is in
// flight. The halted flag is re-checked before committing, and the
// commit itself refuses rows halted by another process, so Replied
// wins that race whichever worker applies it.
func (o *Orchestrator) processDue(ctx context.Context, contactID uuid.UUID, now time.Time) error {
	unlock := o.locks.Lock(contactID)

	contact, err := o.contacts.Get(ctx, contactID)
	if err != nil {
		unlock()
		if errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("due timer for unknown contact dropped", zap.String("contact_id", contactID.String()))
			return nil
		}
		return err
	}
	if contact.Halted || contact.Status.Terminal() {
		unlock()
		return nil
	}

	campaign, err := o.campaigns.Get(ctx, contact.CampaignID)
	if err != nil {
		unlock()
		return err
	}
	if campaign.Status != domain.CampaignStatusActive {
		unlock()
		return nil
	}

	step := contact.PendingStep()
	if step >= len(campaign.Steps) {
		// Nothing left to send; settle the contact.
		err := o.commitAdvance(ctx, campaign, contact, contact.CurrentStep, nil, now)
		unlock()
		return err
	}

	// A success record for the pending step means a previous run
	// committed the attempt but its outcome never reached this
	// process; advance without re-issuing the send.
	done, err := o.contacts.HasSuccess(ctx, contactID, step)
	if err != nil {
		unlock()
		return err
	}
	if done {
		err := o.commitAdvance(ctx, campaign, contact, step, nil, now)
		unlock()
		return err
	}

	attemptNum := contact.AttemptCount + 1
	msg := delivery.Message{
		ContactID:  contact.ID,
		CampaignID: campaign.ID,
		Email:      contact.Email,
		StepIndex:  step,
		Attempt:    attemptNum,
		PayloadRef: campaign.Steps[step].PayloadRef,
	}
	unlock()

	if o.limiter != nil {
		acquired, err := o.limiter.Acquire(ctx, campaign.ID, campaign.MaxInFlight)
		if err != nil {
			return err
		}
		if !acquired {
			// Campaign is at its in-flight cap; yield until the next tick.
			o.timers.Schedule(contactID, now)
			return nil
		}
		defer func() {
			if err := o.limiter.Release(context.Background(), campaign.ID); err != nil {
				o.logger.Warn("release delivery slot", zap.Error(err))
			}
		}()
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.opts.DeliveryTimeout)
	result, sendErr := o.gateway.Send(sendCtx, msg)
	cancel()

	if sendErr != nil && !result.Delivered {
		if result.Error == "" {
			result.Error = sendErr.Error()
		}
		if result.Kind == "" {
			// Timeouts and transport errors are retryable.
			result.Kind = domain.FailureTransient
		}
	}

	relock := o.locks.Lock(contactID)
	defer relock()

	fresh, err := o.contacts.Get(ctx, contactID)
	if err != nil {
		return err
	}
	if fresh.Halted || fresh.Status.Terminal() {
		// A reply arrived while the send was in flight; discard the
		// transition and record nothing.
		o.timers.Cancel(contactID)
		o.logger.Info("in-flight delivery discarded after reply",
			zap.String("contact_id", contactID.String()),
			zap.Int("step", step))
		return nil
	}

	if result.Delivered {
		attempt := o.newAttempt(fresh, campaign.ID, step, attemptNum, domain.AttemptSuccess, result, 0, now)
		return o.commitAdvance(ctx, campaign, fresh, step, attempt, now)
	}
	return o.commitFailure(ctx, campaign, fresh, step, attemptNum, result, now)
}

// commitAdvance moves the contact past deliveredStep: either another
// timer is armed for the following step, or the contact completes.
// The contact row and the attempt record are committed atomically,
// and the timer is mutated only after the commit succeeds.
func (o *Orchestrator) commitAdvance(ctx context.Context, campaign *domain.Campaign, contact *domain.Contact, deliveredStep int, attempt *domain.DeliveryAttempt, now time.Time) error {
	contact.CurrentStep = deliveredStep
	contact.AttemptCount = 0
	if attempt == nil || attempt.Outcome == domain.AttemptSuccess {
		contact.LastError = nil
	}
	contact.UpdatedAt = now

	next := deliveredStep + 1
	var nextFire *time.Time
	if next < len(campaign.Steps) {
		t := now.Add(campaign.Steps[next].Delay)
		nextFire = &t
		contact.Status = domain.ContactStatusScheduled
	} else {
		contact.Status = domain.ContactStatusCompleted
	}
	contact.NextFireAt = nextFire

	committed, err := o.commitOrDiscard(ctx, repository.ContactDelta{Contact: contact, Attempt: attempt}, deliveredStep)
	if err != nil {
		return err
	}
	if !committed {
		return nil
	}

	if nextFire != nil {
		o.timers.Schedule(contact.ID, *nextFire)
	} else {
		o.timers.Cancel(contact.ID)
	}

	if attempt != nil {
		o.appendTimeline(ctx, *attempt)
		o.publishDelivery(ctx, *attempt, nextFire)
		if attempt.Outcome == domain.AttemptSuccess {
			o.logger.Info("step delivered",
				zap.String("contact_id", contact.ID.String()),
				zap.String("campaign_id", campaign.ID.String()),
				zap.Int("step", attempt.StepIndex),
				zap.Int("attempt", attempt.AttemptNum))
		}
	}
	if contact.Status == domain.ContactStatusCompleted {
		o.publishContact(ctx, contact, now)
		o.maybeCompleteCampaign(ctx, campaign.ID, now)
	}
	return nil
}

// commitFailure applies the retry policy to a failed attempt.
func (o *Orchestrator) commitFailure(ctx context.Context, campaign *domain.Campaign, contact *domain.Contact, step, attemptNum int, result delivery.Result, now time.Time) error {
	kind := result.Kind
	if kind == "" {
		kind = domain.FailureTransient
	}

	decision := retry.Decide(o.policyFor(campaign), attemptNum, kind)
	attempt := o.newAttempt(contact, campaign.ID, step, attemptNum, domain.AttemptFailure, result, decision.Delay, now)
	errText := result.Error
	contact.LastError = &errText
	contact.UpdatedAt = now

	if decision.Retry {
		t := now.Add(decision.Delay)
		contact.Status = domain.ContactStatusScheduled
		contact.AttemptCount = attemptNum
		contact.NextFireAt = &t

		committed, err := o.commitOrDiscard(ctx, repository.ContactDelta{Contact: contact, Attempt: attempt}, step)
		if err != nil {
			return err
		}
		if !committed {
			return nil
		}
		o.timers.Schedule(contact.ID, t)
		o.appendTimeline(ctx, *attempt)
		o.publishDelivery(ctx, *attempt, &t)
		o.logger.Warn("delivery failed, retry scheduled",
			zap.String("contact_id", contact.ID.String()),
			zap.Int("step", step),
			zap.Int("attempt", attemptNum),
			zap.String("kind", string(kind)),
			zap.Duration("backoff", decision.Delay))
		return nil
	}

	// The policy gave up on this step. A contact whose very first
	// message is undeliverable is unreachable and fails outright;
	// later steps follow the configured failure mode.
	if step == 0 || o.failureModeFor(campaign) == domain.StepFailureFail {
		contact.Status = domain.ContactStatusFailed
		contact.Halted = true
		contact.AttemptCount = attemptNum
		contact.NextFireAt = nil

		committed, err := o.commitOrDiscard(ctx, repository.ContactDelta{Contact: contact, Attempt: attempt}, step)
		if err != nil {
			return err
		}
		if !committed {
			return nil
		}
		o.timers.Cancel(contact.ID)
		o.appendTimeline(ctx, *attempt)
		o.publishDelivery(ctx, *attempt, nil)
		o.publishContact(ctx, contact, now)
		o.logger.Warn("contact failed",
			zap.String("contact_id", contact.ID.String()),
			zap.Int("step", step),
			zap.Int("attempts", attemptNum),
			zap.String("kind", string(kind)))
		o.maybeCompleteCampaign(ctx, campaign.ID, now)
		return nil
	}

	// Skip mode: one bad step does not cancel an otherwise
	// responsive sequence.
	o.logger.Warn("step exhausted, skipping",
		zap.String("contact_id", contact.ID.String()),
		zap.Int("step", step),
		zap.Int("attempts", attemptNum))
	return o.commitAdvance(ctx, campaign, contact, step, attempt, now)
}

// commitOrDiscard runs the transactional commit and absorbs a lost
// halt race: the store rejects writes against a row a reply halted
// after our pre-commit re-read, in which case the transition is
// discarded, the timer dropped, and nothing recorded. Reports whether
// the commit was applied.
func (o *Orchestrator) commitOrDiscard(ctx context.Context, delta repository.ContactDelta, step int) (bool, error) {
	err := o.contacts.Commit(ctx, delta)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repository.ErrHalted) {
		o.timers.Cancel(delta.Contact.ID)
		o.logger.Info("in-flight delivery discarded after reply",
			zap.String("contact_id", delta.Contact.ID.String()),
			zap.Int("step", step))
		return false, nil
	}
	return false, err
}

func (o *Orchestrator) newAttempt(contact *domain.Contact, campaignID uuid.UUID, step, attemptNum int, outcome domain.AttemptOutcome, result delivery.Result, backoff time.Duration, now time.Time) *domain.DeliveryAttempt {
	attempt := &domain.DeliveryAttempt{
		ID:             uuid.New(),
		ContactID:      contact.ID,
		CampaignID:     campaignID,
		StepIndex:      step,
		AttemptNum:     attemptNum,
		Outcome:        outcome,
		BackoffApplied: backoff,
		CreatedAt:      now,
	}
	if outcome == domain.AttemptFailure {
		attempt.FailureKind = result.Kind
		if attempt.FailureKind == "" {
			attempt.FailureKind = domain.FailureTransient
		}
		attempt.Error = result.Error
	}
	return attempt
}
