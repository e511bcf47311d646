package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Store is the durable ordered log of turns per session.
type Store interface {
	// AppendTurns appends turns atomically, assigning increasing Seq values.
	AppendTurns(ctx context.Context, sessionID string, turns ...*Turn) error
	// ListTurns returns every turn of the session in Seq order.
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)
	DeleteTurns(ctx context.Context, sessionID string) error
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AppendTurns(ctx context.Context, sessionID string, turns ...*Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last struct{ Max *int }
		if err := tx.Model(&Turn{}).
			Select("MAX(seq) AS max").
			Where("session_id = ?", sessionID).
			Scan(&last).Error; err != nil {
			return err
		}
		next := 1
		if last.Max != nil {
			next = *last.Max + 1
		}
		for _, t := range turns {
			t.ID = 0
			t.SessionID = sessionID
			t.Seq = next
			next++
		}
		return tx.Create(turns).Error
	})
}

func (s *GormStore) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	var turns []Turn
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq ASC").
		Find(&turns).Error; err != nil {
		return nil, err
	}
	return turns, nil
}

func (s *GormStore) DeleteTurns(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&Turn{}).Error
}

// MemoryStore keeps turns in process memory. It backs tests and
// deployments that run without a database.
type MemoryStore struct {
	mu     sync.Mutex
	turns  map[string][]Turn
	lastID uint64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]Turn), now: time.Now}
}

func (s *MemoryStore) AppendTurns(ctx context.Context, sessionID string, turns ...*Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.turns[sessionID]
	next := 1
	if n := len(entries); n > 0 {
		next = entries[n-1].Seq + 1
	}
	for _, t := range turns {
		if t == nil {
			return fmt.Errorf("conversation: nil turn")
		}
	}
	for _, t := range turns {
		s.lastID++
		t.ID = s.lastID
		t.SessionID = sessionID
		t.Seq = next
		if t.CreatedAt.IsZero() {
			t.CreatedAt = s.now()
		}
		next++
		entries = append(entries, *t)
	}
	s.turns[sessionID] = entries
	return nil
}

func (s *MemoryStore) ListTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out, nil
}

func (s *MemoryStore) DeleteTurns(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, sessionID)
	return nil
}
