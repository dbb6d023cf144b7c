package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stepanboost/omybot/internal/llm"
	"github.com/stepanboost/omybot/internal/solver"
	"github.com/stepanboost/omybot/internal/storage"
	"go.uber.org/zap"
)

const (
	maxImageBytes   = 10 << 20
	maxMessageRunes = 4096
)

type Bot struct {
	api        *tgbotapi.BotAPI
	orch       *solver.Orchestrator
	store      storage.Storage
	policy     storage.RetentionPolicy
	admins     map[int64]struct{}
	httpClient *http.Client
	logger     *zap.Logger
}

func New(token string, orch *solver.Orchestrator, store storage.Storage, policy storage.RetentionPolicy, adminIDs []int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	admins := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}

	return &Bot{
		api:        api,
		orch:       orch,
		store:      store,
		policy:     policy,
		admins:     admins,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	if len(message.Photo) > 0 {
		b.handlePhoto(ctx, message)
		return
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		b.sendMessage(message.Chat.ID, "Пожалуйста, отправьте текст задания или фото.")
		return
	}

	reply := b.orch.HandleText(ctx, message.From.ID, profileOf(message), text)
	b.sendAnswer(message.Chat.ID, reply)
}

func (b *Bot) handlePhoto(ctx context.Context, message *tgbotapi.Message) {
	// Telegram lists sizes ascending; the last one is the original resolution.
	photo := message.Photo[len(message.Photo)-1]

	data, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		b.logger.Error("Failed to download photo",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID),
			zap.String("file_id", photo.FileID))
		b.sendErrorMessage(message.Chat.ID, "Не удалось загрузить фото. Попробуйте еще раз.")
		return
	}

	reply := b.orch.HandleImage(ctx, message.From.ID, profileOf(message), data, strings.TrimSpace(message.Caption))
	b.sendAnswer(message.Chat.ID, reply)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d downloading file", resp.StatusCode)
	}
	return readBounded(resp.Body, maxImageBytes)
}

// readBounded reads the whole stream or fails; a truncated image would only
// confuse the model downstream.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes", limit)
	}
	return data, nil
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "mystats":
		b.handleMyStats(ctx, message)
	case "erase":
		b.handleErase(ctx, message)
	case "dbstats":
		b.handleDBStats(ctx, message)
	case "cleanup":
		b.handleCleanup(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Неизвестная команда. Используйте /help для списка команд.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	firstName := ""
	if message.From != nil {
		firstName = message.From.FirstName
	}

	welcome := fmt.Sprintf(`🤖 Привет, %s!

Я помогу быстро решить школьные задания.
Отправьте текст задания или фото — я определю предмет и решу пошагово.`, firstName)

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `📖 Как пользоваться:

1) Отправьте текст задания — я определю предмет и предложу решение.
2) Или пришлите фото задания (чёткое, без бликов).

Примеры:
• Реши уравнение: 3x + 7 = 25
• Физика: тело 2 кг движется с ускорением 3 м/с². Найди силу
• Химия: уравняй реакцию Fe + O₂ → Fe₂O₃

Команды:
/mystats - ваша статистика
/erase - удалить все ваши данные`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleMyStats(ctx context.Context, message *tgbotapi.Message) {
	stats, err := b.store.UserStats(ctx, message.From.ID)
	if err != nil {
		b.logger.Error("Failed to get user stats",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Не удалось получить статистику. Попробуйте позже.")
		return
	}

	var sb strings.Builder
	sb.WriteString("📊 Ваша статистика:\n\n")
	fmt.Fprintf(&sb, "Всего заданий: %d\n", stats.TotalRequests)
	fmt.Fprintf(&sb, "За последние 7 дней: %d\n", stats.RecentRequests)
	if len(stats.FavoriteSubjects) > 0 {
		sb.WriteString("\nЛюбимые предметы:\n")
		for _, s := range stats.FavoriteSubjects {
			fmt.Fprintf(&sb, "• %s — %d\n", s.Subject, s.Count)
		}
	}

	sub, err := b.store.GetSubscription(ctx, message.From.ID)
	if err != nil {
		// Stats are still worth sending; just skip the subscription line.
		b.logger.Warn("Failed to get subscription",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
	} else if sub != nil && sub.IsActive {
		sb.WriteString("\n⭐ Подписка активна")
	}

	b.sendMessage(message.Chat.ID, sb.String())
}

func (b *Bot) handleErase(ctx context.Context, message *tgbotapi.Message) {
	if strings.TrimSpace(message.CommandArguments()) != "confirm" {
		b.sendMessage(message.Chat.ID,
			"Эта команда удалит всю вашу историю без возможности восстановления.\n"+
				"Для подтверждения отправьте: /erase confirm")
		return
	}

	if err := b.store.EraseUser(ctx, message.From.ID); err != nil {
		b.logger.Error("Failed to erase user data",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Не удалось удалить данные. Попробуйте позже.")
		return
	}

	b.sendMessage(message.Chat.ID, "Все ваши данные удалены.")
}

func (b *Bot) handleDBStats(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message.From.ID) {
		b.sendMessage(message.Chat.ID, "Команда доступна только администраторам.")
		return
	}

	stats, err := b.store.Stats(ctx, b.policy)
	if err != nil {
		b.logger.Error("Failed to get storage stats", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Не удалось получить статистику базы.")
		return
	}

	text := fmt.Sprintf(`🗄 База данных:

Пользователи: %d (неактивных: %d)
Запросы: %d (устаревших: %d)
Контекст: %d (устаревших: %d)
Подписки: %d
Размер: %.2f МБ`,
		stats.Users, stats.InactiveUsers,
		stats.Requests, stats.StaleRequests,
		stats.Turns, stats.StaleTurns,
		stats.Subscriptions,
		float64(stats.SizeBytes)/(1<<20))

	b.sendMessage(message.Chat.ID, text)
}

func (b *Bot) handleCleanup(ctx context.Context, message *tgbotapi.Message) {
	if !b.isAdmin(message.From.ID) {
		b.sendMessage(message.Chat.ID, "Команда доступна только администраторам.")
		return
	}

	report, err := b.store.CleanupOldData(ctx, b.policy)
	if err != nil {
		b.logger.Error("Manual cleanup failed", zap.Error(err))
		b.sendErrorMessage(message.Chat.ID, "Очистка не удалась.")
		return
	}

	text := fmt.Sprintf(`🧹 Очистка завершена:

Контекст: %d
Запросы: %d
Неактивные пользователи: %d
Истекшие подписки: %d`,
		report.Context, report.Requests, report.InactiveUsers, report.ExpiredSubscriptions)

	b.sendMessage(message.Chat.ID, text)
}

func (b *Bot) isAdmin(userID int64) bool {
	_, ok := b.admins[userID]
	return ok
}

// sendAnswer delivers the solution, highlighting the extracted final answer
// when the model marked one.
func (b *Bot) sendAnswer(chatID int64, answer string) {
	if short := llm.ShortAnswer(answer); short != "" && !strings.HasSuffix(strings.TrimSpace(answer), short) {
		answer = answer + "\n\n✅ Ответ: " + short
	}
	for _, chunk := range splitMessage(answer) {
		b.sendMessage(chatID, chunk)
	}
}

// splitMessage slices text into Telegram-sized chunks on line boundaries
// where possible.
func splitMessage(text string) []string {
	runes := []rune(text)
	if len(runes) <= maxMessageRunes {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		n := len(runes)
		if n > maxMessageRunes {
			n = maxMessageRunes
			for i := n - 1; i > n/2; i-- {
				if runes[i] == '\n' {
					n = i + 1
					break
				}
			}
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

func profileOf(message *tgbotapi.Message) solver.Profile {
	return solver.Profile{
		Username:  message.From.UserName,
		FirstName: message.From.FirstName,
		LastName:  message.From.LastName,
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
