package syncdoc

import (
	"context"
	"os"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ImportLegacySnapshot seeds an empty document from a pre-migration
// snapshot file. Runs once at startup; a missing or unparseable file is
// ignored, a non-empty document is left untouched.
func (s *Store) ImportLegacySnapshot(ctx context.Context, path string) {
	if path == "" {
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := validateState(raw); err != nil {
		s.logger.Debug("legacy snapshot rejected", zap.String("path", path), zap.Error(err))
		return
	}

	now := s.clock().UTC().Unix()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := lockDocument(tx)
		if err != nil {
			return err
		}
		if doc.StateJSON != "" {
			return nil
		}
		if doc.Revision < 1 {
			doc.Revision = 1
		}
		doc.StateJSON = string(raw)
		doc.UpdatedAtSeconds = now
		return tx.Save(&doc).Error
	})
	if err != nil {
		s.logger.Debug("legacy snapshot import failed", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("legacy snapshot imported", zap.String("path", path))
}

// EnsureDocument creates the empty singleton row if it does not exist.
// Called by the bootstrap winner; the conflict-tolerant insert makes a
// late race a no-op.
func EnsureDocument(ctx context.Context, db *gorm.DB) error {
	empty := NewEmptyDocument()
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&empty).Error
}
