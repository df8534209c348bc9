package messages

// Message models one direct message inside a dialog. Messages within a
// dialog are ordered by creation time with id as tiebreak.
type Message struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	DialogID         string `gorm:"column:dialog_id;size:381;not null;index:idx_messages_dialog_time,priority:1"`
	SenderID         string `gorm:"column:sender_id;size:190;not null"`
	ReceiverID       string `gorm:"column:receiver_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_messages_dialog_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// CanonicalDialogID names the conversation between two users
// independent of send direction.
func CanonicalDialogID(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}
