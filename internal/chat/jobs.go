package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/ai"
	"github.com/ToughenFlat/chatgpt-back/internal/common"
	"github.com/ToughenFlat/chatgpt-back/internal/conversation"
	"github.com/ToughenFlat/chatgpt-back/internal/keypool"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobFailed wraps failures already recorded on the job. They are not retried.
	ErrJobFailed = errors.New("job failed")
)

// EnqueueTurn queues a session turn for the worker. With an idempotency key
// a repeated call returns the job created first and publishes nothing.
func (s *Service) EnqueueTurn(ctx context.Context, userID uint64, sessionID, message, idempotencyKey string) (*Job, bool, error) {
	if strings.TrimSpace(message) == "" {
		return nil, false, ErrEmptyMessage
	}
	if s.publisher == nil {
		return nil, false, errors.New("job queue is not configured")
	}
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return nil, false, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	var key *string
	if k := strings.TrimSpace(idempotencyKey); k != "" {
		key = &k
	}
	j := &Job{
		ID:             jobID,
		UserID:         userID,
		SessionID:      sessionID,
		Prompt:         message,
		IdempotencyKey: key,
		Status:         JobQueued,
	}
	j, created, err := s.repo.CreateJobOrGetExisting(ctx, j)
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := s.publisher.PublishJob(ctx, j.ID); err != nil {
			_ = s.repo.MarkJobFailed(ctx, j.ID, "enqueue failed")
			return nil, false, err
		}
	}
	return j, created, nil
}

// GetJob returns a job of the user; jobs of other users look absent.
func (s *Service) GetJob(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if j.UserID != userID {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// RunJob executes a queued job as a session turn and records the outcome.
// Failures once upstream was (or could never be) called are recorded on
// the job and wrapped in ErrJobFailed. Other failures put the job back in
// the queued state and are returned as is, so the delivery can be retried.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	jobStart := time.Now()

	claimed, err := s.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if claimed {
			s.releaseJob(jobID)
		}
		return err
	}
	if !claimed {
		log.Printf("job skipped job=%s status=%s", jobID, j.Status)
		return nil
	}

	t0 := time.Now()
	reply, err := s.SubmitSessionTurn(ctx, TurnRequest{
		UserID:    j.UserID,
		SessionID: j.SessionID,
		Message:   j.Prompt,
	})
	genCost := time.Since(t0)
	if err != nil {
		if !finalJobError(err) {
			s.releaseJob(jobID)
			log.Printf("job_timing_retry job=%s gen=%s total=%s err=%v", jobID, genCost, time.Since(jobStart), err)
			return err
		}
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		log.Printf("job_timing_failed job=%s gen=%s total=%s err=%v", jobID, genCost, time.Since(jobStart), err)
		return fmt.Errorf("%w: %w", ErrJobFailed, err)
	}

	assistant := reply.Turns[len(reply.Turns)-1]
	if err := s.repo.MarkJobSucceeded(ctx, jobID, assistant.ID); err != nil {
		log.Printf("job_timing_failed job=%s gen=%s total=%s err=%v", jobID, genCost, time.Since(jobStart), err)
		return fmt.Errorf("%w: %w", ErrJobFailed, err)
	}

	if total := time.Since(jobStart); total > 2*time.Second {
		log.Printf("job_timing job=%s gen=%s total=%s", jobID, genCost, total)
	}
	return nil
}

// releaseJob hands a claimed job back to the queue after a failure that
// happened before any upstream call.
func (s *Service) releaseJob(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.ReleaseJob(ctx, jobID); err != nil {
		log.Printf("job release failed job=%s err=%v", jobID, err)
	}
}

// finalJobError reports whether retrying the turn could not help or would
// call upstream a second time.
func finalJobError(err error) bool {
	var (
		upErr     *ai.UpstreamError
		cfgErr    *keypool.ConfigurationError
		budgetErr *conversation.BudgetExceededError
	)
	switch {
	case errors.As(err, &upErr):
		return !upErr.Retryable()
	case errors.As(err, &cfgErr), errors.As(err, &budgetErr):
		return true
	case errors.Is(err, ErrReplyNotSaved), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, conversation.ErrUnknownSessionType), errors.Is(err, ai.ErrUnknownProvider):
		return true
	}
	return false
}
