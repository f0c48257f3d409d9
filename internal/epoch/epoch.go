// Package epoch implements generation fencing for the triad. Every
// supervisor start increments a durable epoch counter, and every message
// carries the epoch it was produced under. Consumers reject anything
// stamped with an older epoch, which fences out writers from a previous
// process generation after a restart or split-brain.
package epoch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/triadhq/triad/internal/fsstore"
	"github.com/triadhq/triad/internal/metrics"
)

// historyDepth is how many increment records the epoch file retains.
const historyDepth = 10

// StaleEpochError reports a token or message from an older generation.
type StaleEpochError struct {
	Current  uint64
	Received uint64
}

func (e *StaleEpochError) Error() string {
	return fmt.Sprintf("epoch: stale token: received epoch %d, current is %d", e.Received, e.Current)
}

// Token is a fencing token attached to an operation. It is valid only
// while the epoch it was minted under remains current: any increment
// invalidates every outstanding token at once.
type Token struct {
	Epoch         uint64    `json:"epoch"`
	OperationID   string    `json:"operation_id"`
	OperationName string    `json:"operation_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// historyEntry records a single increment for diagnostics.
type historyEntry struct {
	Epoch         uint64    `json:"epoch"`
	IncrementedAt time.Time `json:"incremented_at"`
	SupervisorID  string    `json:"supervisor_id"`
}

// state is the durable epoch.json document.
type state struct {
	Epoch           uint64         `json:"epoch"`
	LastIncremented time.Time      `json:"last_incremented"`
	SupervisorID    string         `json:"supervisor_id"`
	History         []historyEntry `json:"history"`
}

// Store manages the durable epoch counter over an atomic file store.
type Store struct {
	store  *fsstore.Store
	logger *slog.Logger
}

// NewStore creates an epoch store backed by the given file path.
func NewStore(path string, cfg fsstore.Config, logger *slog.Logger) *Store {
	return &Store{
		store:  fsstore.NewStore(path, cfg, logger),
		logger: logger.With("component", "epoch"),
	}
}

// Current returns the current epoch. It never fails: a missing or corrupt
// epoch file reads as epoch 0, which every valid token exceeds.
func (s *Store) Current(ctx context.Context) uint64 {
	data, _, err := s.store.Read(ctx)
	if err != nil || len(data) == 0 {
		return 0
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		s.logger.Warn("epoch file corrupt, treating as epoch 0", "error", err)
		return 0
	}
	return st.Epoch
}

// Increment advances the epoch by one under an exclusive lock and returns
// the new value. Every token minted under the previous generation becomes
// stale the moment this returns.
func (s *Store) Increment(ctx context.Context, supervisorID string) (uint64, error) {
	var next uint64
	_, err := s.store.Update(ctx, func(cur []byte) ([]byte, error) {
		var st state
		if len(cur) > 0 {
			if err := json.Unmarshal(cur, &st); err != nil {
				s.logger.Warn("epoch file corrupt, restarting from epoch 0", "error", err)
				st = state{}
			}
		}
		st.Epoch++
		st.LastIncremented = time.Now().UTC()
		st.SupervisorID = supervisorID
		st.History = append(st.History, historyEntry{
			Epoch:         st.Epoch,
			IncrementedAt: st.LastIncremented,
			SupervisorID:  supervisorID,
		})
		if len(st.History) > historyDepth {
			st.History = st.History[len(st.History)-historyDepth:]
		}
		next = st.Epoch
		return json.MarshalIndent(st, "", "  ")
	})
	if err != nil {
		return 0, fmt.Errorf("increment epoch: %w", err)
	}

	metrics.EpochIncrementsTotal.Inc()
	metrics.EpochCurrent.Set(float64(next))
	s.logger.Info("epoch incremented", "epoch", next, "supervisor_id", supervisorID)
	return next, nil
}

// CreateToken mints a fencing token for a named operation under the
// current epoch.
func (s *Store) CreateToken(ctx context.Context, operationName string) Token {
	return Token{
		Epoch:         s.Current(ctx),
		OperationID:   uuid.NewString(),
		OperationName: operationName,
		CreatedAt:     time.Now().UTC(),
	}
}

// ValidateToken reports whether the token was minted under the current
// epoch. Unlike message validation, token validity is exact: a token from
// a future epoch is as suspect as one from the past.
func (s *Store) ValidateToken(ctx context.Context, tok Token) bool {
	return s.ValidateTokenOrErr(ctx, tok) == nil
}

// ValidateTokenOrErr is ValidateToken with a typed error carrying both
// epochs.
func (s *Store) ValidateTokenOrErr(ctx context.Context, tok Token) error {
	current := s.Current(ctx)
	if tok.Epoch == current {
		return nil
	}
	metrics.StaleTokensRejected.WithLabelValues(tok.OperationName).Inc()
	return &StaleEpochError{Current: current, Received: tok.Epoch}
}

// Validate reports whether the received epoch is acceptable against the
// current one. Anything at or above current passes: a newer epoch means
// this reader is the stale party, and rejecting it would invert the fence.
func (s *Store) Validate(ctx context.Context, received uint64) bool {
	return s.ValidateOrErr(ctx, received) == nil
}

// ValidateOrErr is Validate with a typed error carrying both epochs.
func (s *Store) ValidateOrErr(ctx context.Context, received uint64) error {
	current := s.Current(ctx)
	if received >= current {
		return nil
	}
	metrics.StaleTokensRejected.WithLabelValues("message").Inc()
	return &StaleEpochError{Current: current, Received: received}
}
