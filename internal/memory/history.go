package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxHistory bounds the rolling window to ten exchanges.
const DefaultMaxHistory = 20

const (
	persistTimeout   = 3 * time.Second
	maxRestoreFactor = 16
)

// HistoryConfig configures a History.
type HistoryConfig struct {
	UserID     string
	MaxEntries int
	RedactPII  bool
	// OnPersistFailure is called after a store write fails.
	OnPersistFailure func(err error)
	Now              func() time.Time
}

// History is the bounded rolling conversation window of one session.
//
// Mutations are expected from a single owner; reads are safe from any goroutine.
type History struct {
	store  Store
	cfg    HistoryConfig
	logger *zap.Logger

	mu        sync.RWMutex
	sessionID string
	entries   []TurnRecord
}

func NewHistory(store Store, cfg HistoryConfig, logger *zap.Logger) *History {
	if store == nil {
		store = NewInMemoryStore()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxHistory
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &History{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// Append adds a fragment, trims the window and persists the fragment.
// A persistence failure is logged and never returned.
func (h *History) Append(ctx context.Context, role, content string) TurnRecord {
	h.mu.Lock()
	rec := TurnRecord{
		ID:        uuid.NewString(),
		UserID:    h.cfg.UserID,
		SessionID: h.sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: h.cfg.Now(),
	}
	h.entries = append(h.entries, rec)
	h.trimLocked()
	h.mu.Unlock()

	h.persist(ctx, rec)
	return rec
}

// Trim drops the oldest entries beyond the configured bound.
func (h *History) Trim() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trimLocked()
}

func (h *History) trimLocked() {
	if over := len(h.entries) - h.cfg.MaxEntries; over > 0 {
		kept := make([]TurnRecord, h.cfg.MaxEntries)
		copy(kept, h.entries[over:])
		h.entries = kept
	}
}

// Recent returns the last n entries oldest first, or all of them when fewer exist.
func (h *History) Recent(n int) []TurnRecord {
	if n <= 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return tail(h.entries, n)
}

// Snapshot returns a copy of the whole window.
func (h *History) Snapshot() []TurnRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return tail(h.entries, 0)
}

// Clear empties the window and starts a new persisted session.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.sessionID = uuid.NewString()
}

// Restore loads the persisted tail into the window. Invalid records are
// skipped and older ones fetched in their place, up to maxRestoreFactor times
// the window size.
func (h *History) Restore(ctx context.Context) (int, error) {
	want := h.cfg.MaxEntries
	var valid []TurnRecord
	for limit := want; ; limit *= 2 {
		records, err := h.store.RecentContext(ctx, h.cfg.UserID, limit)
		if err != nil {
			return 0, err
		}
		valid = valid[:0]
		for _, rec := range records {
			if rec.Valid() {
				valid = append(valid, rec)
			}
		}
		if len(valid) >= want || len(records) < limit || limit >= want*maxRestoreFactor {
			break
		}
		h.logger.Debug("skipped invalid history records, fetching further back",
			zap.Int("fetched", len(records)),
			zap.Int("valid", len(valid)),
		)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = tail(valid, want)
	return len(h.entries), nil
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *History) MaxEntries() int {
	return h.cfg.MaxEntries
}

func (h *History) SessionID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessionID
}

func (h *History) persist(ctx context.Context, rec TurnRecord) {
	if h.cfg.RedactPII {
		rec.Content, rec.PIIRedacted = RedactPII(rec.Content)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := h.store.SaveTurn(saveCtx, rec); err != nil {
		h.logger.Warn("history persist failed",
			zap.String("session_id", rec.SessionID),
			zap.String("role", rec.Role),
			zap.Error(err),
		)
		if h.cfg.OnPersistFailure != nil {
			h.cfg.OnPersistFailure(err)
		}
	}
}
