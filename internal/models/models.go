package models

import "time"

type RequestKind string

const (
	TextRequest  RequestKind = "text"
	ImageRequest RequestKind = "image"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// User is a transport-side identity, created lazily on first contact and
// upserted on every message. Latest write wins.
type User struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"column:username" json:"username,omitempty"`
	FirstName string    `gorm:"column:first_name" json:"first_name,omitempty"`
	LastName  string    `gorm:"column:last_name" json:"last_name,omitempty"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (User) TableName() string { return "users" }

// Request is an append-only log entry for one solved exchange.
type Request struct {
	ID        int64       `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64       `gorm:"column:user_id;index:idx_requests_user_created,priority:1;not null" json:"user_id"`
	Kind      RequestKind `gorm:"column:request_kind;not null" json:"kind"`
	Subject   string      `gorm:"column:subject" json:"subject,omitempty"`
	Text      string      `gorm:"column:request_text" json:"text,omitempty"`
	Answer    string      `gorm:"column:response_text" json:"answer,omitempty"`
	CreatedAt time.Time   `gorm:"column:created_at;index:idx_requests_user_created,priority:2" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Request) TableName() string { return "requests" }

// Turn is one message of a conversation identified by (user id, conversation id).
type Turn struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"column:user_id;index:idx_context_user_conv,priority:1;not null" json:"user_id"`
	ConversationID string    `gorm:"column:conversation_id;index:idx_context_user_conv,priority:2;not null" json:"conversation_id"`
	Role           Role      `gorm:"column:role;not null" json:"role"`
	Content        string    `gorm:"column:content;not null" json:"content"`
	CreatedAt      time.Time `gorm:"column:created_at;index:idx_context_user_conv,priority:3" json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Turn) TableName() string { return "conversation_context" }

// Subscription holds at most one row per user; a write replaces the old row.
type Subscription struct {
	UserID    int64      `gorm:"primaryKey" json:"user_id"`
	IsActive  bool       `gorm:"column:is_active" json:"is_active"`
	ExpiresAt *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Subscription) TableName() string { return "subscriptions" }
