package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/drip-email-campaign/internal/domain"
)

// AttemptTimeline keeps the append-only delivery attempt mirror in
// Scylla, partitioned by campaign and day for cheap timeline reads.
type AttemptTimeline struct {
	session *gocql.Session
}

// NewAttemptTimeline creates a new timeline store.
func NewAttemptTimeline(session *gocql.Session) *AttemptTimeline {
	return &AttemptTimeline{session: session}
}

// Append writes one attempt record. Records are never mutated.
func (s *AttemptTimeline) Append(ctx context.Context, attempt domain.DeliveryAttempt) error {
	bucket := bucketDate(attempt.CreatedAt)
	if err := s.session.Query(`INSERT INTO attempts_by_campaign (campaign_id, bucket, contact_id, step_index, attempt_num, attempt_id, outcome, failure_kind, error, backoff_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CampaignID.String(), bucket, attempt.ContactID.String(), attempt.StepIndex, attempt.AttemptNum,
		attempt.ID.String(), string(attempt.Outcome), string(attempt.FailureKind), attempt.Error,
		attempt.BackoffApplied.Milliseconds(), attempt.CreatedAt,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt timeline: insert attempts_by_campaign: %w", err)
	}
	return nil
}

// ListByCampaign pages through a campaign's attempt history.
func (s *AttemptTimeline) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.DeliveryAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT bucket, contact_id, step_index, attempt_num, attempt_id, outcome, failure_kind, error, backoff_ms, created_at
		FROM attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.DeliveryAttempt, 0, limit)

	var (
		bucket       time.Time
		contactIDStr string
		stepIndex    int
		attemptNum   int
		attemptIDStr string
		outcome      string
		failureKind  string
		errText      string
		backoffMs    int64
		created      time.Time
	)

	for iter.Scan(&bucket, &contactIDStr, &stepIndex, &attemptNum, &attemptIDStr, &outcome, &failureKind, &errText, &backoffMs, &created) {
		contactID, err := uuid.Parse(contactIDStr)
		if err != nil {
			continue
		}
		attemptID, err := uuid.Parse(attemptIDStr)
		if err != nil {
			continue
		}

		attempts = append(attempts, domain.DeliveryAttempt{
			ID:             attemptID,
			ContactID:      contactID,
			CampaignID:     campaignID,
			StepIndex:      stepIndex,
			AttemptNum:     attemptNum,
			Outcome:        domain.AttemptOutcome(outcome),
			FailureKind:    domain.FailureKind(failureKind),
			Error:          errText,
			BackoffApplied: time.Duration(backoffMs) * time.Millisecond,
			CreatedAt:      created,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt timeline: iter close: %w", err)
	}

	nextState := iter.PageState()

	return attempts, nextState, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
