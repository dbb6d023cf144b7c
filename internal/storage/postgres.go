package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/stepanboost/omybot/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStorage is the server-deployment backend, sharing one *sql.DB
// handle across all operations.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (s *PostgresStorage) UpsertUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, username, first_name, last_name, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    last_name = EXCLUDED.last_name,
		    updated_at = now()
		RETURNING updated_at`

	err := s.db.QueryRowContext(ctx, query,
		user.ID, user.Username, user.FirstName, user.LastName,
	).Scan(&user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("error upserting user: %w", err)
	}
	return nil
}

func (s *PostgresStorage) SaveRequest(ctx context.Context, req *models.Request) error {
	query := `
		INSERT INTO requests (user_id, request_kind, subject, request_text, response_text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		req.UserID, req.Kind, req.Subject, req.Text, req.Answer,
	).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		return fmt.Errorf("error saving request: %w", err)
	}
	return nil
}

func (s *PostgresStorage) AppendTurn(ctx context.Context, turn *models.Turn) error {
	query := `
		INSERT INTO conversation_context (user_id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		turn.UserID, turn.ConversationID, turn.Role, turn.Content,
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("error appending turn: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetRecentTurns(ctx context.Context, userID int64, conversationID string, limit int) ([]models.Turn, error) {
	query := `
		SELECT id, user_id, conversation_id, role, content, created_at
		FROM conversation_context
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.ConversationID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PostgresStorage) SetSubscription(ctx context.Context, sub *models.Subscription) error {
	query := `
		INSERT INTO subscriptions (user_id, is_active, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET is_active = EXCLUDED.is_active,
		    expires_at = EXCLUDED.expires_at`

	if _, err := s.db.ExecContext(ctx, query, sub.UserID, sub.IsActive, sub.ExpiresAt); err != nil {
		return fmt.Errorf("error setting subscription: %w", err)
	}
	return nil
}

func (s *PostgresStorage) GetSubscription(ctx context.Context, userID int64) (*models.Subscription, error) {
	query := `SELECT user_id, is_active, expires_at FROM subscriptions WHERE user_id = $1`

	var sub models.Subscription
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&sub.UserID, &sub.IsActive, &sub.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStorage) CleanupOldData(ctx context.Context, policy RetentionPolicy) (CleanupReport, error) {
	var report CleanupReport
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("error starting cleanup transaction: %w", err)
	}
	defer tx.Rollback()

	purge := func(query string, args ...any) (int64, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	if report.Context, err = purge(
		`DELETE FROM conversation_context WHERE created_at < $1`, now.Add(-policy.Context)); err != nil {
		return CleanupReport{}, fmt.Errorf("context purge: %w", err)
	}
	if report.Requests, err = purge(
		`DELETE FROM requests WHERE created_at < $1`, now.Add(-policy.Requests)); err != nil {
		return CleanupReport{}, fmt.Errorf("request purge: %w", err)
	}

	cutoff := now.Add(-policy.InactiveUsers)
	inactive := `
		SELECT id FROM users
		WHERE updated_at < $1
		  AND id NOT IN (SELECT user_id FROM requests WHERE created_at >= $1)
		  AND id NOT IN (SELECT user_id FROM subscriptions WHERE is_active)`
	if _, err = purge(
		`DELETE FROM conversation_context WHERE user_id IN (`+inactive+`)`, cutoff); err != nil {
		return CleanupReport{}, fmt.Errorf("inactive user purge: %w", err)
	}
	if _, err = purge(
		`DELETE FROM requests WHERE user_id IN (`+inactive+`)`, cutoff); err != nil {
		return CleanupReport{}, fmt.Errorf("inactive user purge: %w", err)
	}
	if _, err = purge(
		`DELETE FROM subscriptions WHERE user_id IN (`+inactive+`)`, cutoff); err != nil {
		return CleanupReport{}, fmt.Errorf("inactive user purge: %w", err)
	}
	if report.InactiveUsers, err = purge(
		`DELETE FROM users WHERE id IN (`+inactive+`)`, cutoff); err != nil {
		return CleanupReport{}, fmt.Errorf("inactive user purge: %w", err)
	}

	if report.ExpiredSubscriptions, err = purge(
		`DELETE FROM subscriptions WHERE expires_at IS NOT NULL AND expires_at < $1`,
		now.Add(-policy.ExpiredSubscriptions)); err != nil {
		return CleanupReport{}, fmt.Errorf("subscription purge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CleanupReport{}, fmt.Errorf("error committing cleanup: %w", err)
	}
	return report, nil
}

func (s *PostgresStorage) EraseUser(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting erase transaction: %w", err)
	}
	defer tx.Rollback()

	for _, query := range []string{
		`DELETE FROM conversation_context WHERE user_id = $1`,
		`DELETE FROM requests WHERE user_id = $1`,
		`DELETE FROM subscriptions WHERE user_id = $1`,
		`DELETE FROM users WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, query, userID); err != nil {
			return fmt.Errorf("error erasing user %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing erase: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("error compacting database: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Stats(ctx context.Context, policy RetentionPolicy) (*Stats, error) {
	stats := &Stats{}
	now := time.Now()

	count := func(dst *int64, query string, args ...any) error {
		return s.db.QueryRowContext(ctx, query, args...).Scan(dst)
	}

	steps := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&stats.Users, `SELECT COUNT(*) FROM users`, nil},
		{&stats.Requests, `SELECT COUNT(*) FROM requests`, nil},
		{&stats.Turns, `SELECT COUNT(*) FROM conversation_context`, nil},
		{&stats.Subscriptions, `SELECT COUNT(*) FROM subscriptions`, nil},
		{&stats.StaleTurns, `SELECT COUNT(*) FROM conversation_context WHERE created_at < $1`,
			[]any{now.Add(-policy.Context)}},
		{&stats.StaleRequests, `SELECT COUNT(*) FROM requests WHERE created_at < $1`,
			[]any{now.Add(-policy.Requests)}},
		{&stats.InactiveUsers, `SELECT COUNT(*) FROM users WHERE updated_at < $1`,
			[]any{now.Add(-policy.InactiveUsers)}},
		{&stats.SizeBytes, `SELECT pg_database_size(current_database())`, nil},
	}
	for _, step := range steps {
		if err := count(step.dst, step.query, step.args...); err != nil {
			return nil, fmt.Errorf("error collecting stats: %w", err)
		}
	}

	return stats, nil
}

func (s *PostgresStorage) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	us := &UserStats{}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE user_id = $1`, userID,
	).Scan(&us.TotalRequests)
	if err != nil {
		return nil, fmt.Errorf("error counting requests: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE user_id = $1 AND created_at > now() - interval '7 days'`,
		userID,
	).Scan(&us.RecentRequests)
	if err != nil {
		return nil, fmt.Errorf("error counting recent requests: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, COUNT(*) AS count
		FROM requests
		WHERE user_id = $1 AND subject <> ''
		GROUP BY subject
		ORDER BY count DESC
		LIMIT 3`, userID)
	if err != nil {
		return nil, fmt.Errorf("error querying favorite subjects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, fmt.Errorf("error scanning subject count: %w", err)
		}
		us.FavoriteSubjects = append(us.FavoriteSubjects, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subject counts: %w", err)
	}

	return us, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
