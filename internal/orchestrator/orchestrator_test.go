package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/drip-email-campaign/internal/delivery"
	"github.com/acme/drip-email-campaign/internal/domain"
	"github.com/acme/drip-email-campaign/internal/repository"
	apperrors "github.com/acme/drip-email-campaign/pkg/errors"
	"github.com/acme/drip-email-campaign/pkg/logger"
)

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{campaigns: make(map[uuid.UUID]*domain.Campaign)}
}

func (r *fakeCampaignRepo) Create(_ context.Context, campaign *domain.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *campaign
	r.campaigns[campaign.ID] = &c
	return nil
}

func (r *fakeCampaignRepo) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *campaign
	return &c, nil
}

func (r *fakeCampaignRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.CampaignStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	campaign, ok := r.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	campaign.Status = status
	campaign.UpdatedAt = at
	switch status {
	case domain.CampaignStatusActive:
		campaign.ActivatedAt = &at
	case domain.CampaignStatusCompleted:
		campaign.CompletedAt = &at
	}
	return nil
}

func (r *fakeCampaignRepo) List(_ context.Context, _ *uuid.UUID, _ int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}

func (r *fakeCampaignRepo) ListByStatus(_ context.Context, status domain.CampaignStatus, _ int) ([]*domain.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.campaigns {
		if c.Status == status {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

type fakeContactRepo struct {
	mu       sync.Mutex
	contacts map[uuid.UUID]*domain.Contact
	attempts []domain.DeliveryAttempt
	getErr   map[uuid.UUID]error
}

func newFakeContactRepo() *fakeContactRepo {
	return &fakeContactRepo{
		contacts: make(map[uuid.UUID]*domain.Contact),
		getErr:   make(map[uuid.UUID]error),
	}
}

func (r *fakeContactRepo) put(contact *domain.Contact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *contact
	r.contacts[contact.ID] = &c
}

func (r *fakeContactRepo) BulkInsert(_ context.Context, contacts []*domain.Contact) error {
	for _, c := range contacts {
		r.put(c)
	}
	return nil
}

func (r *fakeContactRepo) Get(_ context.Context, id uuid.UUID) (*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.getErr[id]; err != nil {
		return nil, err
	}
	contact, ok := r.contacts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *contact
	return &c, nil
}

func (r *fakeContactRepo) ListByCampaign(_ context.Context, campaignID uuid.UUID, _ int) ([]*domain.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Contact
	for _, c := range r.contacts {
		if c.CampaignID == campaignID {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (r *fakeContactRepo) ListScheduled(_ context.Context) ([]repository.ContactTimer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []repository.ContactTimer
	for _, c := range r.contacts {
		if !c.Halted && c.NextFireAt != nil {
			out = append(out, repository.ContactTimer{ContactID: c.ID, FireAt: *c.NextFireAt})
		}
	}
	return out, nil
}

func (r *fakeContactRepo) MarkScheduled(_ context.Context, campaignID uuid.UUID, fireAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.CampaignID == campaignID && c.Status == domain.ContactStatusPending {
			t := fireAt
			c.Status = domain.ContactStatusScheduled
			c.NextFireAt = &t
		}
	}
	return nil
}

func (r *fakeContactRepo) Unschedule(_ context.Context, campaignID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.CampaignID == campaignID {
			c.NextFireAt = nil
		}
	}
	return nil
}

func (r *fakeContactRepo) Commit(_ context.Context, delta repository.ContactDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.contacts[delta.Contact.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if existing.Halted {
		return repository.ErrHalted
	}
	c := *delta.Contact
	r.contacts[c.ID] = &c
	if delta.Attempt != nil {
		r.attempts = append(r.attempts, *delta.Attempt)
	}
	return nil
}

func (r *fakeContactRepo) HasSuccess(_ context.Context, contactID uuid.UUID, stepIndex int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.ContactID == contactID && a.StepIndex == stepIndex && a.Outcome == domain.AttemptSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeContactRepo) Attempts(_ context.Context, contactID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range r.attempts {
		if a.ContactID == contactID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeContactRepo) StatusCounts(_ context.Context, campaignID uuid.UUID) (domain.StatusSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var snap domain.StatusSnapshot
	for _, c := range r.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		switch c.Status {
		case domain.ContactStatusPending:
			snap.Pending++
		case domain.ContactStatusScheduled:
			snap.Scheduled++
		case domain.ContactStatusSent:
			snap.Sent++
		case domain.ContactStatusReplied:
			snap.Replied++
		case domain.ContactStatusCompleted:
			snap.Completed++
		case domain.ContactStatusFailed:
			snap.Failed++
		}
	}
	return snap, nil
}

func (r *fakeContactRepo) attemptCount(contactID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.ContactID == contactID {
			n++
		}
	}
	return n
}

// fakeGateway pops scripted results per contact, defaulting to success.
// onSend, when set, runs before the result is returned so tests can
// race a reply against an in-flight delivery.
type fakeGateway struct {
	mu      sync.Mutex
	scripts map[uuid.UUID][]delivery.Result
	sends   []delivery.Message
	onSend  func(msg delivery.Message)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{scripts: make(map[uuid.UUID][]delivery.Result)}
}

func (g *fakeGateway) script(contactID uuid.UUID, results ...delivery.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts[contactID] = append(g.scripts[contactID], results...)
}

func (g *fakeGateway) Send(_ context.Context, msg delivery.Message) (delivery.Result, error) {
	g.mu.Lock()
	g.sends = append(g.sends, msg)
	queued := g.scripts[msg.ContactID]
	result := delivery.Result{Delivered: true}
	if len(queued) > 0 {
		result = queued[0]
		g.scripts[msg.ContactID] = queued[1:]
	}
	hook := g.onSend
	g.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return result, nil
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sends)
}

type fixture struct {
	orch      *Orchestrator
	campaigns *fakeCampaignRepo
	contacts  *fakeContactRepo
	gateway   *fakeGateway
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	campaigns := newFakeCampaignRepo()
	contacts := newFakeContactRepo()
	gateway := newFakeGateway()
	lg := &logger.Logger{Logger: zap.NewNop()}
	return &fixture{
		orch:      New(campaigns, contacts, nil, gateway, nil, nil, lg, opts),
		campaigns: campaigns,
		contacts:  contacts,
		gateway:   gateway,
	}
}

func (f *fixture) seedCampaign(status domain.CampaignStatus, steps ...domain.Step) *domain.Campaign {
	campaign := &domain.Campaign{
		ID:          uuid.New(),
		Name:        "welcome-sequence",
		Status:      status,
		Steps:       steps,
		RetryPolicy: domain.RetryPolicy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: time.Minute},
	}
	_ = f.campaigns.Create(context.Background(), campaign)
	return campaign
}

func (f *fixture) seedScheduled(campaignID uuid.UUID, fireAt time.Time) *domain.Contact {
	contact := &domain.Contact{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		Email:       "a@example.com",
		Status:      domain.ContactStatusScheduled,
		CurrentStep: -1,
		NextFireAt:  &fireAt,
	}
	f.contacts.put(contact)
	f.orch.Timers().Schedule(contact.ID, fireAt)
	return contact
}

func (f *fixture) contact(t *testing.T, id uuid.UUID) *domain.Contact {
	t.Helper()
	contact, err := f.contacts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load contact: %v", err)
	}
	return contact
}

func steps(delays ...time.Duration) []domain.Step {
	out := make([]domain.Step, len(delays))
	for i, d := range delays {
		out[i] = domain.Step{Index: i, Delay: d, PayloadRef: "tpl"}
	}
	return out
}

func fail(kind domain.FailureKind) delivery.Result {
	return delivery.Result{Delivered: false, Kind: kind, Error: "provider rejected"}
}

func TestActivateSchedulesFirstStep(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusDraft, steps(time.Minute, time.Hour)...)
	for i := 0; i < 2; i++ {
		f.contacts.put(&domain.Contact{
			ID:          uuid.New(),
			CampaignID:  campaign.ID,
			Status:      domain.ContactStatusPending,
			CurrentStep: -1,
		})
	}

	if err := f.orch.Activate(context.Background(), campaign.ID); err != nil {
		t.Fatalf("activate: %v", err)
	}

	got, _ := f.campaigns.Get(context.Background(), campaign.ID)
	if got.Status != domain.CampaignStatusActive {
		t.Fatalf("campaign status = %s, want active", got.Status)
	}
	if got.ActivatedAt == nil {
		t.Fatal("activated_at not stamped")
	}
	if f.orch.Timers().Len() != 2 {
		t.Fatalf("timers = %d, want 2", f.orch.Timers().Len())
	}

	contacts, _ := f.contacts.ListByCampaign(context.Background(), campaign.ID, 0)
	for _, c := range contacts {
		if c.Status != domain.ContactStatusScheduled || c.NextFireAt == nil {
			t.Fatalf("contact not scheduled: %+v", c)
		}
	}

	if err := f.orch.Activate(context.Background(), campaign.ID); !errors.Is(err, apperrors.ErrInvalidCampaignState) {
		t.Fatalf("second activate error = %v, want ErrInvalidCampaignState", err)
	}
}

func TestActivateRejectsEmptySequence(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusDraft)

	if err := f.orch.Activate(context.Background(), campaign.ID); !errors.Is(err, apperrors.ErrInvalidCampaignState) {
		t.Fatalf("activate error = %v, want ErrInvalidCampaignState", err)
	}
}

func TestSequenceRunsToCompletion(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)

	f.orch.Tick(context.Background(), now)

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusScheduled || got.CurrentStep != 0 {
		t.Fatalf("after step 0: status=%s step=%d", got.Status, got.CurrentStep)
	}
	wantFire := now.Add(time.Hour)
	if got.NextFireAt == nil || !got.NextFireAt.Equal(wantFire) {
		t.Fatalf("next fire = %v, want %v", got.NextFireAt, wantFire)
	}

	f.orch.Tick(context.Background(), wantFire)

	got = f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.NextFireAt != nil || f.orch.Timers().Len() != 0 {
		t.Fatal("completed contact still has a timer")
	}
	if n := f.contacts.attemptCount(contact.ID); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}

	gotCampaign, _ := f.campaigns.Get(context.Background(), campaign.ID)
	if gotCampaign.Status != domain.CampaignStatusCompleted {
		t.Fatalf("campaign status = %s, want completed", gotCampaign.Status)
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)
	f.gateway.script(contact.ID, fail(domain.FailureTransient), fail(domain.FailureTransient), fail(domain.FailureTransient))

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		f.orch.Tick(context.Background(), now)
		got := f.contact(t, contact.ID)
		if got.Status != domain.ContactStatusScheduled {
			t.Fatalf("attempt %d: status = %s, want scheduled", i+1, got.Status)
		}
		if got.AttemptCount != i+1 {
			t.Fatalf("attempt %d: count = %d", i+1, got.AttemptCount)
		}
		if got.LastError == nil {
			t.Fatalf("attempt %d: last error not recorded", i+1)
		}
		wantFire := now.Add(want)
		if got.NextFireAt == nil || !got.NextFireAt.Equal(wantFire) {
			t.Fatalf("attempt %d: next fire = %v, want %v", i+1, got.NextFireAt, wantFire)
		}
		now = wantFire
	}

	f.orch.Tick(context.Background(), now)

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.AttemptCount != 0 {
		t.Fatalf("attempt count not reset: %d", got.AttemptCount)
	}
	if got.LastError != nil {
		t.Fatalf("last error not cleared: %v", *got.LastError)
	}
	if n := f.contacts.attemptCount(contact.ID); n != 4 {
		t.Fatalf("attempts = %d, want 4", n)
	}
}

func TestPermanentFailureOnFirstStepFailsContact(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)
	f.gateway.script(contact.ID, fail(domain.FailurePermanent))

	f.orch.Tick(context.Background(), now)

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusFailed || !got.Halted {
		t.Fatalf("status=%s halted=%v, want failed/halted", got.Status, got.Halted)
	}
	if got.NextFireAt != nil || f.orch.Timers().Len() != 0 {
		t.Fatal("failed contact still has a timer")
	}
	if n := f.contacts.attemptCount(contact.ID); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
	if f.gateway.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.gateway.sendCount())
	}

	gotCampaign, _ := f.campaigns.Get(context.Background(), campaign.ID)
	if gotCampaign.Status != domain.CampaignStatusCompleted {
		t.Fatalf("campaign status = %s, want completed", gotCampaign.Status)
	}
}

func TestExhaustedLaterStepSkipsInSkipMode(t *testing.T) {
	f := newFixture(t, Options{DefaultFailureMode: domain.StepFailureSkip})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Minute, time.Minute)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)
	f.gateway.script(contact.ID,
		delivery.Result{Delivered: true},
		fail(domain.FailurePermanent),
	)

	f.orch.Tick(context.Background(), now)
	now = now.Add(time.Minute)
	f.orch.Tick(context.Background(), now)

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusScheduled || got.CurrentStep != 1 {
		t.Fatalf("after skip: status=%s step=%d, want scheduled/1", got.Status, got.CurrentStep)
	}
	if got.Halted {
		t.Fatal("skip mode halted the contact")
	}
	if got.LastError == nil {
		t.Fatal("skipped step should leave the error recorded")
	}

	now = now.Add(time.Minute)
	f.orch.Tick(context.Background(), now)

	got = f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestExhaustedLaterStepFailsInFailMode(t *testing.T) {
	f := newFixture(t, Options{DefaultFailureMode: domain.StepFailureFail})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Minute)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)
	f.gateway.script(contact.ID,
		delivery.Result{Delivered: true},
		fail(domain.FailurePermanent),
	)

	f.orch.Tick(context.Background(), now)
	f.orch.Tick(context.Background(), now.Add(time.Minute))

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusFailed || !got.Halted {
		t.Fatalf("status=%s halted=%v, want failed/halted", got.Status, got.Halted)
	}
}

func TestOnReplyHaltsContact(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now.Add(time.Hour))

	observed := now.Add(time.Minute)
	if err := f.orch.OnReply(context.Background(), contact.ID, observed); err != nil {
		t.Fatalf("on reply: %v", err)
	}

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusReplied || !got.Halted {
		t.Fatalf("status=%s halted=%v, want replied/halted", got.Status, got.Halted)
	}
	if got.RepliedAt == nil || !got.RepliedAt.Equal(observed) {
		t.Fatalf("replied_at = %v, want %v", got.RepliedAt, observed)
	}
	if got.NextFireAt != nil || f.orch.Timers().Len() != 0 {
		t.Fatal("replied contact still has a timer")
	}

	// No further attempts, even if a stale timer fires.
	f.orch.Timers().Schedule(contact.ID, now)
	f.orch.Tick(context.Background(), now.Add(2*time.Hour))
	if f.gateway.sendCount() != 0 {
		t.Fatalf("sends after reply = %d, want 0", f.gateway.sendCount())
	}
	if n := f.contacts.attemptCount(contact.ID); n != 0 {
		t.Fatalf("attempts after reply = %d, want 0", n)
	}

	gotCampaign, _ := f.campaigns.Get(context.Background(), campaign.ID)
	if gotCampaign.Status != domain.CampaignStatusCompleted {
		t.Fatalf("campaign status = %s, want completed", gotCampaign.Status)
	}
}

func TestOnReplyIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)

	first := now.Add(time.Minute)
	if err := f.orch.OnReply(context.Background(), contact.ID, first); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if err := f.orch.OnReply(context.Background(), contact.ID, now.Add(time.Hour)); err != nil {
		t.Fatalf("duplicate reply: %v", err)
	}

	got := f.contact(t, contact.ID)
	if !got.RepliedAt.Equal(first) {
		t.Fatalf("replied_at = %v, want first observation %v", got.RepliedAt, first)
	}
}

func TestOnReplyUnknownContactIsDropped(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.orch.OnReply(context.Background(), uuid.New(), time.Now()); err != nil {
		t.Fatalf("unknown contact reply: %v", err)
	}
}

func TestReplyDuringSendDiscardsOutcome(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)

	// The reply lands while the gateway call is in flight.
	f.gateway.onSend = func(msg delivery.Message) {
		c, err := f.contacts.Get(context.Background(), msg.ContactID)
		if err != nil {
			return
		}
		replied := now
		c.Status = domain.ContactStatusReplied
		c.Halted = true
		c.RepliedAt = &replied
		c.NextFireAt = nil
		f.contacts.put(c)
	}

	f.orch.Tick(context.Background(), now)

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusReplied || !got.Halted {
		t.Fatalf("status=%s halted=%v, want replied/halted", got.Status, got.Halted)
	}
	if got.CurrentStep != -1 {
		t.Fatalf("discarded delivery still advanced the contact: step=%d", got.CurrentStep)
	}
	if n := f.contacts.attemptCount(contact.ID); n != 0 {
		t.Fatalf("attempts after halt = %d, want 0", n)
	}
	if f.orch.Timers().Len() != 0 {
		t.Fatal("halted contact still has a timer")
	}
}

// raceContactRepo fires afterGet once a configured Get call completes,
// so tests can interleave a concurrent writer between the engine's
// pre-commit re-read and its commit. That is the multi-process case
// the in-process contact lock cannot cover.
type raceContactRepo struct {
	*fakeContactRepo
	mu       sync.Mutex
	gets     int
	fireOn   int
	afterGet func()
}

func (r *raceContactRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	contact, err := r.fakeContactRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.gets++
	fire := r.gets == r.fireOn
	r.mu.Unlock()
	if fire && r.afterGet != nil {
		r.afterGet()
	}
	return contact, nil
}

func TestReplyBetweenRecheckAndCommitWins(t *testing.T) {
	campaigns := newFakeCampaignRepo()
	store := newFakeContactRepo()
	contacts := &raceContactRepo{fakeContactRepo: store, fireOn: 2}
	gateway := newFakeGateway()
	lg := &logger.Logger{Logger: zap.NewNop()}
	orch := New(campaigns, contacts, nil, gateway, nil, nil, lg, Options{})
	f := &fixture{orch: orch, campaigns: campaigns, contacts: store, gateway: gateway}

	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)

	// The second Get is the re-read after the gateway call; the reply
	// worker's commit lands right after it, from another process.
	replied := now.Add(time.Second)
	contacts.afterGet = func() {
		c, err := store.Get(context.Background(), contact.ID)
		if err != nil {
			return
		}
		c.Status = domain.ContactStatusReplied
		c.Halted = true
		c.RepliedAt = &replied
		c.NextFireAt = nil
		store.put(c)
	}

	orch.Tick(context.Background(), now)

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusReplied || !got.Halted {
		t.Fatalf("status=%s halted=%v, want replied/halted", got.Status, got.Halted)
	}
	if got.RepliedAt == nil || !got.RepliedAt.Equal(replied) {
		t.Fatalf("replied_at = %v, want %v", got.RepliedAt, replied)
	}
	if got.CurrentStep != -1 {
		t.Fatalf("discarded delivery still advanced the contact: step=%d", got.CurrentStep)
	}
	if n := store.attemptCount(contact.ID); n != 0 {
		t.Fatalf("attempts after halt = %d, want 0", n)
	}
	if gateway.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", gateway.sendCount())
	}
	if orch.Timers().Len() != 0 {
		t.Fatal("halted contact still has a timer")
	}
}

func TestReplyLosingHaltRaceIsDropped(t *testing.T) {
	campaigns := newFakeCampaignRepo()
	store := newFakeContactRepo()
	contacts := &raceContactRepo{fakeContactRepo: store, fireOn: 1}
	gateway := newFakeGateway()
	lg := &logger.Logger{Logger: zap.NewNop()}
	orch := New(campaigns, contacts, nil, gateway, nil, nil, lg, Options{})
	f := &fixture{orch: orch, campaigns: campaigns, contacts: store, gateway: gateway}

	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)

	// Another process fails the contact between the reply handler's
	// read and its commit.
	contacts.afterGet = func() {
		c, err := store.Get(context.Background(), contact.ID)
		if err != nil {
			return
		}
		c.Status = domain.ContactStatusFailed
		c.Halted = true
		c.NextFireAt = nil
		store.put(c)
	}

	if err := orch.OnReply(context.Background(), contact.ID, now); err != nil {
		t.Fatalf("on reply: %v", err)
	}

	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusFailed {
		t.Fatalf("status = %s, want the first halting transition kept", got.Status)
	}
	if got.RepliedAt != nil {
		t.Fatal("losing reply still stamped replied_at")
	}
}

func TestSyncTimersRebuildsFromStore(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	fireAt := now.Add(time.Minute)
	halted := now.Add(time.Minute)
	f.contacts.put(&domain.Contact{
		ID: uuid.New(), CampaignID: campaign.ID,
		Status: domain.ContactStatusScheduled, CurrentStep: -1, NextFireAt: &fireAt,
	})
	f.contacts.put(&domain.Contact{
		ID: uuid.New(), CampaignID: campaign.ID,
		Status: domain.ContactStatusReplied, CurrentStep: 0, Halted: true, RepliedAt: &halted,
	})
	f.contacts.put(&domain.Contact{
		ID: uuid.New(), CampaignID: campaign.ID,
		Status: domain.ContactStatusCompleted, CurrentStep: 1,
	})

	// Fresh engine instance sharing the same store, as after a restart.
	lg := &logger.Logger{Logger: zap.NewNop()}
	restarted := New(f.campaigns, f.contacts, nil, f.gateway, nil, nil, lg, Options{})
	if err := restarted.SyncTimers(context.Background()); err != nil {
		t.Fatalf("sync timers: %v", err)
	}
	if restarted.Timers().Len() != 1 {
		t.Fatalf("timers = %d, want 1", restarted.Timers().Len())
	}

	restarted.Tick(context.Background(), fireAt)
	if f.gateway.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", f.gateway.sendCount())
	}
}

func TestDuplicateFireDoesNotResend(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// A crash between commit and timer teardown leaves a success record
	// for the pending step; firing again must not re-send it.
	fireAt := now
	contact := &domain.Contact{
		ID: uuid.New(), CampaignID: campaign.ID,
		Status: domain.ContactStatusScheduled, CurrentStep: -1, NextFireAt: &fireAt,
	}
	f.contacts.put(contact)
	f.contacts.attempts = append(f.contacts.attempts, domain.DeliveryAttempt{
		ID: uuid.New(), ContactID: contact.ID, CampaignID: campaign.ID,
		StepIndex: 0, AttemptNum: 1, Outcome: domain.AttemptSuccess, CreatedAt: now.Add(-time.Minute),
	})
	f.orch.Timers().Schedule(contact.ID, fireAt)

	f.orch.Tick(context.Background(), now)

	if f.gateway.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0", f.gateway.sendCount())
	}
	got := f.contact(t, contact.ID)
	if got.CurrentStep != 0 || got.Status != domain.ContactStatusScheduled {
		t.Fatalf("contact not advanced past recorded step: status=%s step=%d", got.Status, got.CurrentStep)
	}
}

func TestPoisonedContactDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, Options{MaxInFlight: 2})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	poisoned := f.seedScheduled(campaign.ID, now)
	healthy := f.seedScheduled(campaign.ID, now)
	f.contacts.getErr[poisoned.ID] = errors.New("row deserialization failed")

	f.orch.Tick(context.Background(), now)

	got := f.contact(t, healthy.ID)
	if got.Status != domain.ContactStatusCompleted {
		t.Fatalf("healthy contact status = %s, want completed", got.Status)
	}

	// The poisoned contact is re-armed for a later tick.
	if f.orch.Timers().Len() != 1 {
		t.Fatalf("timers = %d, want the poisoned contact re-armed", f.orch.Timers().Len())
	}
	delete(f.contacts.getErr, poisoned.ID)
	f.orch.Tick(context.Background(), now.Add(time.Second))
	if got := f.contact(t, poisoned.ID); got.Status != domain.ContactStatusCompleted {
		t.Fatalf("recovered contact status = %s, want completed", got.Status)
	}
}

func TestCancelDropsTimers(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedScheduled(campaign.ID, now.Add(time.Hour))

	if err := f.orch.Cancel(context.Background(), campaign.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if f.orch.Timers().Len() != 0 {
		t.Fatal("cancelled campaign still has timers")
	}

	got, _ := f.campaigns.Get(context.Background(), campaign.ID)
	if got.Status != domain.CampaignStatusCancelled {
		t.Fatalf("campaign status = %s, want cancelled", got.Status)
	}
	if err := f.orch.Cancel(context.Background(), campaign.ID); !errors.Is(err, apperrors.ErrInvalidCampaignState) {
		t.Fatalf("second cancel error = %v, want ErrInvalidCampaignState", err)
	}
}

func TestCancelClearsPersistedTimers(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0, time.Hour)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now.Add(time.Hour))

	if err := f.orch.Cancel(context.Background(), campaign.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if got := f.contact(t, contact.ID); got.NextFireAt != nil {
		t.Fatalf("persisted fire time survived cancellation: %v", got.NextFireAt)
	}

	// A rebuilt queue must not resurrect the cancelled contacts.
	lg := &logger.Logger{Logger: zap.NewNop()}
	restarted := New(f.campaigns, f.contacts, nil, f.gateway, nil, nil, lg, Options{})
	if err := restarted.SyncTimers(context.Background()); err != nil {
		t.Fatalf("sync timers: %v", err)
	}
	if restarted.Timers().Len() != 0 {
		t.Fatalf("timers after rebuild = %d, want 0", restarted.Timers().Len())
	}
}

type denyLimiter struct{}

func (denyLimiter) Acquire(context.Context, uuid.UUID, int) (bool, error) { return false, nil }
func (denyLimiter) Release(context.Context, uuid.UUID) error              { return nil }

func TestLimiterAtCapYieldsToNextTick(t *testing.T) {
	campaigns := newFakeCampaignRepo()
	contacts := newFakeContactRepo()
	gateway := newFakeGateway()
	lg := &logger.Logger{Logger: zap.NewNop()}
	orch := New(campaigns, contacts, nil, gateway, nil, denyLimiter{}, lg, Options{})
	f := &fixture{orch: orch, campaigns: campaigns, contacts: contacts, gateway: gateway}

	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	contact := f.seedScheduled(campaign.ID, now)

	orch.Tick(context.Background(), now)

	if gateway.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0 while at cap", gateway.sendCount())
	}
	if orch.Timers().Len() != 1 {
		t.Fatal("contact not re-armed while at cap")
	}
	got := f.contact(t, contact.ID)
	if got.Status != domain.ContactStatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
}

func TestInactiveCampaignContactsAreSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusCancelled, steps(0)...)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.seedScheduled(campaign.ID, now)

	f.orch.Tick(context.Background(), now)

	if f.gateway.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0 for inactive campaign", f.gateway.sendCount())
	}
}

func TestStatusCountsSnapshot(t *testing.T) {
	f := newFixture(t, Options{})
	campaign := f.seedCampaign(domain.CampaignStatusActive, steps(0)...)
	f.contacts.put(&domain.Contact{ID: uuid.New(), CampaignID: campaign.ID, Status: domain.ContactStatusCompleted})
	f.contacts.put(&domain.Contact{ID: uuid.New(), CampaignID: campaign.ID, Status: domain.ContactStatusReplied, Halted: true})
	f.contacts.put(&domain.Contact{ID: uuid.New(), CampaignID: campaign.ID, Status: domain.ContactStatusScheduled})

	snap, err := f.orch.Status(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Completed != 1 || snap.Replied != 1 || snap.Scheduled != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Settled() {
		t.Fatal("snapshot with a scheduled contact reported settled")
	}

	if _, err := f.orch.Status(context.Background(), uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown campaign error = %v, want ErrNotFound", err)
	}
}
