package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stepanboost/omybot/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteStorage is the default backend: a single local database file, pure-Go
// driver, shared *gorm.DB handle for all operations.
type SQLiteStorage struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	// The pragma rides the DSN so every pooled connection enforces the
	// foreign keys, not just the one that ran a PRAGMA statement.
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Request{},
		&models.Turn{},
		&models.Subscription{},
	); err != nil {
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}

	return &SQLiteStorage{db: db, logger: logger}, nil
}

func (s *SQLiteStorage) UpsertUser(ctx context.Context, user *models.User) error {
	user.UpdatedAt = time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "last_name", "updated_at"}),
	}).Create(user).Error
	if err != nil {
		return fmt.Errorf("error upserting user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SaveRequest(ctx context.Context, req *models.Request) error {
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("error saving request: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("error appending turn: %w", err)
	}
	return nil
}

// GetRecentTurns selects newest-first with the limit applied at the query,
// then reverses so callers always see chronological order.
func (s *SQLiteStorage) GetRecentTurns(ctx context.Context, userID int64, conversationID string, limit int) ([]models.Turn, error) {
	var turns []models.Turn
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("error querying turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *SQLiteStorage) SetSubscription(ctx context.Context, sub *models.Subscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_active", "expires_at"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("error setting subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).First(&sub, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *SQLiteStorage) CleanupOldData(ctx context.Context, policy RetentionPolicy) (CleanupReport, error) {
	var report CleanupReport
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", now.Add(-policy.Context)).Delete(&models.Turn{})
		if res.Error != nil {
			return fmt.Errorf("context purge: %w", res.Error)
		}
		report.Context = res.RowsAffected

		res = tx.Where("created_at < ?", now.Add(-policy.Requests)).Delete(&models.Request{})
		if res.Error != nil {
			return fmt.Errorf("request purge: %w", res.Error)
		}
		report.Requests = res.RowsAffected

		n, err := purgeInactiveUsers(tx, now.Add(-policy.InactiveUsers))
		if err != nil {
			return fmt.Errorf("inactive user purge: %w", err)
		}
		report.InactiveUsers = n

		res = tx.Where("expires_at IS NOT NULL AND expires_at < ?", now.Add(-policy.ExpiredSubscriptions)).
			Delete(&models.Subscription{})
		if res.Error != nil {
			return fmt.Errorf("subscription purge: %w", res.Error)
		}
		report.ExpiredSubscriptions = res.RowsAffected

		return nil
	})
	if err != nil {
		return CleanupReport{}, err
	}
	return report, nil
}

// purgeInactiveUsers removes users idle past the cutoff that have no request
// newer than the cutoff and no active subscription. Child rows go first so
// the foreign keys hold inside the transaction.
func purgeInactiveUsers(tx *gorm.DB, cutoff time.Time) (int64, error) {
	var ids []int64
	err := tx.Model(&models.User{}).
		Where("updated_at < ?", cutoff).
		Where("id NOT IN (?)", tx.Model(&models.Request{}).Select("user_id").Where("created_at >= ?", cutoff)).
		Where("id NOT IN (?)", tx.Model(&models.Subscription{}).Select("user_id").Where("is_active = ?", true)).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := tx.Where("user_id IN ?", ids).Delete(&models.Turn{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("user_id IN ?", ids).Delete(&models.Request{}).Error; err != nil {
		return 0, err
	}
	if err := tx.Where("user_id IN ?", ids).Delete(&models.Subscription{}).Error; err != nil {
		return 0, err
	}
	res := tx.Where("id IN ?", ids).Delete(&models.User{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (s *SQLiteStorage) EraseUser(ctx context.Context, userID int64) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Turn{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Request{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Subscription{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", userID).Delete(&models.User{}).Error
	})
	if err != nil {
		return fmt.Errorf("error erasing user %d: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStorage) Compact(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("VACUUM").Error; err != nil {
		return fmt.Errorf("error compacting database: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Stats(ctx context.Context, policy RetentionPolicy) (*Stats, error) {
	db := s.db.WithContext(ctx)
	stats := &Stats{}
	now := time.Now()

	counts := []struct {
		model any
		dst   *int64
	}{
		{&models.User{}, &stats.Users},
		{&models.Request{}, &stats.Requests},
		{&models.Turn{}, &stats.Turns},
		{&models.Subscription{}, &stats.Subscriptions},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("error counting rows: %w", err)
		}
	}

	if err := db.Model(&models.Turn{}).
		Where("created_at < ?", now.Add(-policy.Context)).
		Count(&stats.StaleTurns).Error; err != nil {
		return nil, fmt.Errorf("error counting stale turns: %w", err)
	}
	if err := db.Model(&models.Request{}).
		Where("created_at < ?", now.Add(-policy.Requests)).
		Count(&stats.StaleRequests).Error; err != nil {
		return nil, fmt.Errorf("error counting stale requests: %w", err)
	}
	if err := db.Model(&models.User{}).
		Where("updated_at < ?", now.Add(-policy.InactiveUsers)).
		Count(&stats.InactiveUsers).Error; err != nil {
		return nil, fmt.Errorf("error counting inactive users: %w", err)
	}

	if err := db.Raw("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").
		Scan(&stats.SizeBytes).Error; err != nil {
		return nil, fmt.Errorf("error reading database size: %w", err)
	}

	return stats, nil
}

func (s *SQLiteStorage) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	db := s.db.WithContext(ctx)
	us := &UserStats{}

	if err := db.Model(&models.Request{}).
		Where("user_id = ?", userID).
		Count(&us.TotalRequests).Error; err != nil {
		return nil, fmt.Errorf("error counting requests: %w", err)
	}
	if err := db.Model(&models.Request{}).
		Where("user_id = ? AND created_at > ?", userID, time.Now().Add(-7*24*time.Hour)).
		Count(&us.RecentRequests).Error; err != nil {
		return nil, fmt.Errorf("error counting recent requests: %w", err)
	}
	if err := db.Model(&models.Request{}).
		Select("subject, COUNT(*) AS count").
		Where("user_id = ? AND subject <> ''", userID).
		Group("subject").
		Order("count DESC").
		Limit(3).
		Scan(&us.FavoriteSubjects).Error; err != nil {
		return nil, fmt.Errorf("error querying favorite subjects: %w", err)
	}

	return us, nil
}

func (s *SQLiteStorage) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
