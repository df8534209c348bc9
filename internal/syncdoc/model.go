package syncdoc

// documentRowID pins the singleton row; the table never holds more than
// one record.
const documentRowID = 1

// SyncDocument is the singleton optimistic-concurrency document. Revision
// increases by exactly one per accepted write; the state payload is
// opaque to the store beyond the non-empty-users guard.
type SyncDocument struct {
	ID               int64  `gorm:"column:id;primaryKey"`
	Revision         uint64 `gorm:"column:revision;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
	StateJSON        string `gorm:"column:state_json;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (SyncDocument) TableName() string {
	return "sync_document"
}

// NewEmptyDocument returns the row created once at first bootstrap.
func NewEmptyDocument() SyncDocument {
	return SyncDocument{ID: documentRowID}
}
