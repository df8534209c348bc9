package posts

// Post models one feed entry. Post CRUD beyond creation and the feed
// read path lives at the edge; this package carries the write-path
// coordination: computing the affected audience and invalidating its
// cached feed pages.
type Post struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;index:idx_posts_author_time,priority:1"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_posts_author_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}
