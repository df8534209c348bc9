package users

// RoleAdmin marks the seed administrator created at first bootstrap.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// User models an account row. Profile CRUD lives at the edge; this
// package only carries what coordination paths need: credentials for
// login, role for the bootstrap seed, followers for cache audiences.
type User struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null"`
	Username     string `gorm:"column:username;uniqueIndex;size:190;not null"`
	Email        string `gorm:"column:email;size:190;not null;default:''"`
	PasswordHash string `gorm:"column:password_hash;size:190;not null"`
	Role         string `gorm:"column:role;size:32;not null;default:'member'"`
	CreatedAtS   int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Follower records that FollowerID follows UserID.
type Follower struct {
	UserID     string `gorm:"column:user_id;primaryKey;size:190;not null"`
	FollowerID string `gorm:"column:follower_id;primaryKey;size:190;not null;index:idx_followers_follower"`
}

// TableName provides the explicit table binding for GORM.
func (Follower) TableName() string {
	return "followers"
}
