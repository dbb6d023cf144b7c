package storage

import (
	"context"
	"time"

	"github.com/stepanboost/omybot/internal/models"
)

// RetentionPolicy holds the age thresholds applied by CleanupOldData.
// Each threshold is applied independently of the others.
type RetentionPolicy struct {
	Context              time.Duration
	Requests             time.Duration
	InactiveUsers        time.Duration
	ExpiredSubscriptions time.Duration
}

func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Context:              7 * 24 * time.Hour,
		Requests:             30 * 24 * time.Hour,
		InactiveUsers:        90 * 24 * time.Hour,
		ExpiredSubscriptions: 30 * 24 * time.Hour,
	}
}

// CleanupReport counts the rows removed by one cleanup batch, per entity.
type CleanupReport struct {
	Context              int64 `json:"context"`
	Requests             int64 `json:"requests"`
	InactiveUsers        int64 `json:"inactive_users"`
	ExpiredSubscriptions int64 `json:"expired_subscriptions"`
}

func (r CleanupReport) Total() int64 {
	return r.Context + r.Requests + r.InactiveUsers + r.ExpiredSubscriptions
}

// Stats is an observability snapshot; counts are best-effort, not
// correctness-critical.
type Stats struct {
	Users         int64 `json:"users"`
	Requests      int64 `json:"requests"`
	Turns         int64 `json:"turns"`
	Subscriptions int64 `json:"subscriptions"`
	SizeBytes     int64 `json:"size_bytes"`
	StaleTurns    int64 `json:"stale_turns"`
	StaleRequests int64 `json:"stale_requests"`
	InactiveUsers int64 `json:"inactive_users"`
}

type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int64  `json:"count"`
}

type UserStats struct {
	TotalRequests    int64          `json:"total_requests"`
	RecentRequests   int64          `json:"recent_requests"`
	FavoriteSubjects []SubjectCount `json:"favorite_subjects"`
}

// Storage is the durable record of users, requests, conversation context and
// subscriptions. Every mutating batch either fully applies or rolls back.
type Storage interface {
	UpsertUser(ctx context.Context, user *models.User) error
	SaveRequest(ctx context.Context, req *models.Request) error

	AppendTurn(ctx context.Context, turn *models.Turn) error
	// GetRecentTurns returns the most recent turns in chronological order,
	// at most limit of them. Unknown conversations yield an empty slice.
	GetRecentTurns(ctx context.Context, userID int64, conversationID string, limit int) ([]models.Turn, error)

	SetSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, userID int64) (*models.Subscription, error)

	// CleanupOldData purges stale rows in a fixed order (context, requests,
	// inactive users, expired subscriptions) inside one transaction.
	CleanupOldData(ctx context.Context, policy RetentionPolicy) (CleanupReport, error)
	// EraseUser removes every row referencing the user, atomically.
	EraseUser(ctx context.Context, userID int64) error
	// Compact reclaims disk space after large deletions.
	Compact(ctx context.Context) error

	Stats(ctx context.Context, policy RetentionPolicy) (*Stats, error)
	UserStats(ctx context.Context, userID int64) (*UserStats, error)

	Close() error
}
