package syncdoc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/parleyhq/parley/backend/internal/apperror"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
)

// Snapshot is the caller-visible view of the document.
type Snapshot struct {
	Revision  uint64          `json:"revision"`
	UpdatedAt int64           `json:"updated_at"`
	State     json.RawMessage `json:"state"`
}

// Broadcaster receives a lightweight notification after each accepted
// write. Subscribers pull the fresh document themselves; the payload is
// never pushed.
type Broadcaster interface {
	DocumentUpdated(revision uint64, updatedAt int64)
}

// StoreConfig describes the dependencies of the document store.
type StoreConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

// Store serves the single-document compare-and-swap read/write path.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewStore constructs the document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:          cfg.Database,
		clock:       clock,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
	}, nil
}

// Get returns the current document without locking.
func (s *Store) Get(ctx context.Context) (Snapshot, error) {
	var doc SyncDocument
	err := s.db.WithContext(ctx).Take(&doc, documentRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Bootstrap creates the row; an absent row on a live system is
		// an empty document, not an error.
		return Snapshot{State: json.RawMessage("null")}, nil
	}
	if err != nil {
		return Snapshot{}, apperror.Internal(err)
	}
	return doc.snapshot(), nil
}

// Put applies a compare-and-swap write. A stale clientRevision yields a
// conflict error carrying the authoritative snapshot so the caller can
// rebase and retry; no partial mutation is ever visible.
func (s *Store) Put(ctx context.Context, clientRevision uint64, state json.RawMessage) (Snapshot, error) {
	if err := validateState(state); err != nil {
		return Snapshot{}, err
	}

	now := s.clock().UTC().Unix()
	var accepted Snapshot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := lockDocument(tx)
		if err != nil {
			return err
		}

		if doc.Revision != clientRevision {
			return apperror.Conflict("stale revision", doc.snapshot())
		}

		doc.Revision++
		doc.StateJSON = string(state)
		doc.UpdatedAtSeconds = now
		if err := tx.Save(&doc).Error; err != nil {
			return apperror.Internal(err)
		}
		accepted = doc.snapshot()
		return nil
	})
	if txErr != nil {
		if appErr := apperror.As(txErr); appErr != nil {
			return Snapshot{}, appErr
		}
		s.logger.Error("document write failed", zap.Error(txErr))
		return Snapshot{}, apperror.Internal(txErr)
	}

	if s.broadcaster != nil {
		s.broadcaster.DocumentUpdated(accepted.Revision, accepted.UpdatedAt)
	}
	return accepted, nil
}

// lockDocument takes the singleton row FOR UPDATE, creating it if the
// table is empty (tolerating the create racing another process).
func lockDocument(tx *gorm.DB) (SyncDocument, error) {
	var doc SyncDocument
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&doc, documentRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		empty := NewEmptyDocument()
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&empty).Error; err != nil {
			return SyncDocument{}, apperror.Internal(err)
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&doc, documentRowID).Error
	}
	if err != nil {
		return SyncDocument{}, apperror.Internal(err)
	}
	return doc, nil
}

// validateState enforces the accidental-wipe guard: the payload must be
// a structured object holding a non-empty users sequence.
func validateState(state json.RawMessage) error {
	if len(state) == 0 {
		return apperror.Validation("state payload is required")
	}
	var payload struct {
		Users []json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(state, &payload); err != nil {
		return apperror.Validation("state payload must be a JSON object")
	}
	if len(payload.Users) == 0 {
		return apperror.Validation("state payload must contain a non-empty users list")
	}
	return nil
}

func (d SyncDocument) snapshot() Snapshot {
	state := json.RawMessage("null")
	if d.StateJSON != "" {
		state = json.RawMessage(d.StateJSON)
	}
	return Snapshot{
		Revision:  d.Revision,
		UpdatedAt: d.UpdatedAtSeconds,
		State:     state,
	}
}
