package codes

// Purpose scopes a verification code to the flow that issued it; a code
// is never valid outside its issuing context.
type Purpose string

const (
	PurposeRegister    Purpose = "register"
	PurposeChangeEmail Purpose = "change_email"
)

// VerificationCode holds one pending code per (user, purpose). Only the
// HMAC of the code is stored, never the plaintext.
type VerificationCode struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Purpose          string `gorm:"column:purpose;primaryKey;size:32;not null"`
	CodeHash         string `gorm:"column:code_hash;size:64;not null"`
	TargetEmail      string `gorm:"column:target_email;size:190;not null;default:''"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VerificationCode) TableName() string {
	return "verification_codes"
}

// ParsePurpose validates a raw purpose value.
func ParsePurpose(raw string) (Purpose, bool) {
	switch Purpose(raw) {
	case PurposeRegister, PurposeChangeEmail:
		return Purpose(raw), true
	default:
		return "", false
	}
}
