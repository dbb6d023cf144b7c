package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stepanboost/omybot/internal/models"
	"go.uber.org/zap"
)

func openTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsertUser(t *testing.T, s *SQLiteStorage, id int64) {
	t.Helper()
	if err := s.UpsertUser(context.Background(), &models.User{ID: id, FirstName: "Test"}); err != nil {
		t.Fatalf("upsert user %d: %v", id, err)
	}
}

// backdate moves a row's timestamp into the past, bypassing the public API
// on purpose: retention tests need genuinely old rows.
func backdate(t *testing.T, s *SQLiteStorage, query string, args ...any) {
	t.Helper()
	if err := s.db.Exec(query, args...).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestUpsertUserIdempotent(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, &models.User{ID: 1, Username: "old", FirstName: "A"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertUser(ctx, &models.User{ID: 1, Username: "new", FirstName: "B"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int64
	if err := s.db.Model(&models.User{}).Count(&count).Error; err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 1 {
		t.Fatalf("user count = %d, want 1", count)
	}

	var user models.User
	if err := s.db.First(&user, "id = ?", int64(1)).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.Username != "new" || user.FirstName != "B" {
		t.Errorf("user = %+v, latest write should win", user)
	}
}

func TestGetRecentTurnsOrderAndLimit(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	// Insert out of chronological order; the fetch must still come back sorted.
	for _, offset := range []int{3, 0, 5, 1, 4, 2, 7, 6} {
		turn := &models.Turn{
			UserID:         1,
			ConversationID: "slot",
			Role:           models.RoleUser,
			Content:        string(rune('a' + offset)),
			CreatedAt:      base.Add(time.Duration(offset) * time.Minute),
		}
		if err := s.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}

	turns, err := s.GetRecentTurns(ctx, 1, "slot", 5)
	if err != nil {
		t.Fatalf("get recent turns: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("len(turns) = %d, want 5", len(turns))
	}
	// Most recent 5 of 8, chronological: offsets 3..7.
	for i, turn := range turns {
		if want := string(rune('a' + 3 + i)); turn.Content != want {
			t.Errorf("turns[%d].Content = %q, want %q", i, turn.Content, want)
		}
		if i > 0 && turn.CreatedAt.Before(turns[i-1].CreatedAt) {
			t.Errorf("turns[%d] out of order: %v before %v", i, turn.CreatedAt, turns[i-1].CreatedAt)
		}
	}
}

func TestGetRecentTurnsUnknownConversation(t *testing.T) {
	s := openTestStorage(t)

	turns, err := s.GetRecentTurns(context.Background(), 42, "missing", 10)
	if err != nil {
		t.Fatalf("get recent turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("len(turns) = %d, want 0", len(turns))
	}
}

func TestSubscriptionUpsert(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	if sub, err := s.GetSubscription(ctx, 1); err != nil || sub != nil {
		t.Fatalf("GetSubscription before set = (%v, %v), want (nil, nil)", sub, err)
	}

	if err := s.SetSubscription(ctx, &models.Subscription{UserID: 1, IsActive: true}); err != nil {
		t.Fatalf("set subscription: %v", err)
	}
	expires := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	if err := s.SetSubscription(ctx, &models.Subscription{UserID: 1, IsActive: false, ExpiresAt: &expires}); err != nil {
		t.Fatalf("replace subscription: %v", err)
	}

	var count int64
	if err := s.db.Model(&models.Subscription{}).Count(&count).Error; err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if count != 1 {
		t.Fatalf("subscription count = %d, want 1 (upsert, not history)", count)
	}

	sub, err := s.GetSubscription(ctx, 1)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.IsActive || sub.ExpiresAt == nil {
		t.Errorf("subscription = %+v, want replaced row", sub)
	}
}

func TestCleanupOldData(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	// Active user with stale context and stale requests.
	mustUpsertUser(t, s, 1)
	for i := 0; i < 3; i++ {
		if err := s.AppendTurn(ctx, &models.Turn{UserID: 1, ConversationID: "slot", Role: models.RoleUser, Content: "old"}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
		if err := s.SaveRequest(ctx, &models.Request{UserID: 1, Kind: models.TextRequest, Text: "old"}); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}
	if err := s.AppendTurn(ctx, &models.Turn{UserID: 1, ConversationID: "slot", Role: models.RoleUser, Content: "fresh"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	backdate(t, s, `UPDATE conversation_context SET created_at = ? WHERE content = 'old'`, now.Add(-8*24*time.Hour))
	backdate(t, s, `UPDATE requests SET created_at = ? WHERE request_text = 'old'`, now.Add(-31*24*time.Hour))

	// Inactive user: idle 91 days, no requests, no active subscription.
	mustUpsertUser(t, s, 2)
	backdate(t, s, `UPDATE users SET updated_at = ? WHERE id = 2`, now.Add(-91*24*time.Hour))

	// Subscription expired 31 days ago.
	mustUpsertUser(t, s, 3)
	expired := now.Add(-31 * 24 * time.Hour)
	if err := s.SetSubscription(ctx, &models.Subscription{UserID: 3, IsActive: false, ExpiresAt: &expired}); err != nil {
		t.Fatalf("set subscription: %v", err)
	}

	report, err := s.CleanupOldData(ctx, DefaultRetentionPolicy())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if report.Context != 3 {
		t.Errorf("report.Context = %d, want 3", report.Context)
	}
	if report.Requests != 3 {
		t.Errorf("report.Requests = %d, want 3", report.Requests)
	}
	if report.InactiveUsers != 1 {
		t.Errorf("report.InactiveUsers = %d, want 1", report.InactiveUsers)
	}
	if report.ExpiredSubscriptions != 1 {
		t.Errorf("report.ExpiredSubscriptions = %d, want 1", report.ExpiredSubscriptions)
	}

	turns, err := s.GetRecentTurns(ctx, 1, "slot", 10)
	if err != nil {
		t.Fatalf("get turns after cleanup: %v", err)
	}
	if len(turns) != 1 || turns[0].Content != "fresh" {
		t.Errorf("turns after cleanup = %+v, want only the fresh one", turns)
	}

	var users int64
	if err := s.db.Model(&models.User{}).Where("id = ?", int64(2)).Count(&users).Error; err != nil {
		t.Fatalf("count users: %v", err)
	}
	if users != 0 {
		t.Errorf("inactive user still present after cleanup")
	}
}

func TestCleanupKeepsActiveSubscribers(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	mustUpsertUser(t, s, 1)
	if err := s.SetSubscription(ctx, &models.Subscription{UserID: 1, IsActive: true}); err != nil {
		t.Fatalf("set subscription: %v", err)
	}
	backdate(t, s, `UPDATE users SET updated_at = ? WHERE id = 1`, time.Now().Add(-120*24*time.Hour))

	report, err := s.CleanupOldData(ctx, DefaultRetentionPolicy())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.InactiveUsers != 0 {
		t.Errorf("report.InactiveUsers = %d, want 0 (active subscriber)", report.InactiveUsers)
	}
}

func TestCleanupRollsBackOnFailure(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	now := time.Now()

	mustUpsertUser(t, s, 1)
	for i := 0; i < 4; i++ {
		if err := s.AppendTurn(ctx, &models.Turn{UserID: 1, ConversationID: "slot", Role: models.RoleUser, Content: "old"}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}
	backdate(t, s, `UPDATE conversation_context SET created_at = ?`, now.Add(-8*24*time.Hour))

	// Break a later step of the batch: the subscription purge cannot run
	// without its table, so the whole batch must roll back.
	if err := s.db.Migrator().DropTable(&models.Subscription{}); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	if _, err := s.CleanupOldData(ctx, DefaultRetentionPolicy()); err == nil {
		t.Fatal("cleanup succeeded, want error")
	}

	var turns int64
	if err := s.db.Model(&models.Turn{}).Count(&turns).Error; err != nil {
		t.Fatalf("count turns: %v", err)
	}
	if turns != 4 {
		t.Errorf("turns = %d after failed cleanup, want 4 (no partial deletion)", turns)
	}
}

func TestEraseUser(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		mustUpsertUser(t, s, id)
		if err := s.AppendTurn(ctx, &models.Turn{UserID: id, ConversationID: "slot", Role: models.RoleUser, Content: "q"}); err != nil {
			t.Fatalf("append turn: %v", err)
		}
		if err := s.SaveRequest(ctx, &models.Request{UserID: id, Kind: models.TextRequest, Text: "q", Answer: "a"}); err != nil {
			t.Fatalf("save request: %v", err)
		}
		if err := s.SetSubscription(ctx, &models.Subscription{UserID: id, IsActive: true}); err != nil {
			t.Fatalf("set subscription: %v", err)
		}
	}

	if err := s.EraseUser(ctx, 1); err != nil {
		t.Fatalf("erase user: %v", err)
	}

	for _, check := range []struct {
		name  string
		model any
		where string
	}{
		{"users", &models.User{}, "id = ?"},
		{"requests", &models.Request{}, "user_id = ?"},
		{"turns", &models.Turn{}, "user_id = ?"},
		{"subscriptions", &models.Subscription{}, "user_id = ?"},
	} {
		var count int64
		if err := s.db.Model(check.model).Where(check.where, int64(1)).Count(&count).Error; err != nil {
			t.Fatalf("count %s: %v", check.name, err)
		}
		if count != 0 {
			t.Errorf("%s rows for erased user = %d, want 0", check.name, count)
		}
	}

	// The other user is untouched.
	var others int64
	if err := s.db.Model(&models.Request{}).Where("user_id = ?", int64(2)).Count(&others).Error; err != nil {
		t.Fatalf("count other requests: %v", err)
	}
	if others != 1 {
		t.Errorf("other user's requests = %d, want 1", others)
	}
}

func TestStats(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	mustUpsertUser(t, s, 1)
	if err := s.SaveRequest(ctx, &models.Request{UserID: 1, Kind: models.TextRequest, Text: "q"}); err != nil {
		t.Fatalf("save request: %v", err)
	}
	if err := s.AppendTurn(ctx, &models.Turn{UserID: 1, ConversationID: "slot", Role: models.RoleUser, Content: "q"}); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	stats, err := s.Stats(ctx, DefaultRetentionPolicy())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Users != 1 || stats.Requests != 1 || stats.Turns != 1 {
		t.Errorf("stats = %+v, want 1 user, 1 request, 1 turn", stats)
	}
	if stats.SizeBytes <= 0 {
		t.Errorf("stats.SizeBytes = %d, want > 0", stats.SizeBytes)
	}
}

func TestUserStats(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()
	mustUpsertUser(t, s, 1)

	subjects := []string{"math", "math", "math", "physics", "physics", "chemistry", "biology"}
	for _, subject := range subjects {
		if err := s.SaveRequest(ctx, &models.Request{UserID: 1, Kind: models.TextRequest, Subject: subject, Text: "q"}); err != nil {
			t.Fatalf("save request: %v", err)
		}
	}

	us, err := s.UserStats(ctx, 1)
	if err != nil {
		t.Fatalf("user stats: %v", err)
	}
	if us.TotalRequests != int64(len(subjects)) {
		t.Errorf("TotalRequests = %d, want %d", us.TotalRequests, len(subjects))
	}
	if us.RecentRequests != int64(len(subjects)) {
		t.Errorf("RecentRequests = %d, want %d", us.RecentRequests, len(subjects))
	}
	if len(us.FavoriteSubjects) != 3 {
		t.Fatalf("len(FavoriteSubjects) = %d, want 3", len(us.FavoriteSubjects))
	}
	if us.FavoriteSubjects[0].Subject != "math" || us.FavoriteSubjects[0].Count != 3 {
		t.Errorf("FavoriteSubjects[0] = %+v, want math x3", us.FavoriteSubjects[0])
	}
	if us.FavoriteSubjects[1].Subject != "physics" || us.FavoriteSubjects[1].Count != 2 {
		t.Errorf("FavoriteSubjects[1] = %+v, want physics x2", us.FavoriteSubjects[1])
	}
}

func TestCompact(t *testing.T) {
	s := openTestStorage(t)
	if err := s.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
}

func TestChildRowsRequireUser(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	if err := s.AppendTurn(ctx, &models.Turn{UserID: 999, ConversationID: "slot", Role: models.RoleUser, Content: "q"}); err == nil {
		t.Error("AppendTurn for unknown user succeeded, want foreign key violation")
	}
	if err := s.SaveRequest(ctx, &models.Request{UserID: 999, Kind: models.TextRequest, Text: "q"}); err == nil {
		t.Error("SaveRequest for unknown user succeeded, want foreign key violation")
	}
	if err := s.SetSubscription(ctx, &models.Subscription{UserID: 999, IsActive: true}); err == nil {
		t.Error("SetSubscription for unknown user succeeded, want foreign key violation")
	}

	mustUpsertUser(t, s, 999)
	if err := s.AppendTurn(ctx, &models.Turn{UserID: 999, ConversationID: "slot", Role: models.RoleUser, Content: "q"}); err != nil {
		t.Errorf("AppendTurn after upsert: %v", err)
	}
}
