package solver

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/stepanboost/omybot/internal/classifier"
	"github.com/stepanboost/omybot/internal/llm"
	"github.com/stepanboost/omybot/internal/models"
	"github.com/stepanboost/omybot/internal/storage"
	"go.uber.org/zap"
)

// retryNotice is the single user-visible failure message for a broken
// exchange. The failed attempt is not retried automatically.
const retryNotice = "Что-то пошло не так при обработке задания. Попробуйте отправить его еще раз."

const imageTurnPlaceholder = "[задание на фото]"

// Gateway is the slice of the model backend the orchestrator needs; the
// concrete implementation lives in internal/llm.
type Gateway interface {
	SolveText(ctx context.Context, text, subjectHint string, turns []models.Turn) llm.Answer
	SolveImage(ctx context.Context, image []byte, caption, subjectHint string, turns []models.Turn) llm.Answer
}

// Profile carries the transport-side display fields for the upsert.
type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

// Orchestrator glues store, classifier and gateway together for one inbound
// unit of work. Exchanges for different users run concurrently; exchanges
// for the same conversation slot are serialized by a keyed mutex so rapid
// repeated input cannot interleave context.
type Orchestrator struct {
	store      storage.Storage
	classifier classifier.Classifier
	gateway    Gateway
	logger     *zap.Logger

	mu    sync.Mutex
	slots map[string]*slot
}

// slot is a refcounted lock; the last holder removes the map entry so the
// table stays proportional to in-flight work, not to the user population.
type slot struct {
	mu   sync.Mutex
	refs int
}

func New(store storage.Storage, clf classifier.Classifier, gateway Gateway, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		classifier: clf,
		gateway:    gateway,
		logger:     logger,
		slots:      make(map[string]*slot),
	}
}

var conversationNamespace = uuid.MustParse("8f1d3aa2-5c41-4c68-9e2b-41d6f0d2a9c7")

// ConversationID derives the single persistent conversation slot for a user.
// Deterministic: the same user always maps to the same slot.
func ConversationID(userID int64) string {
	return uuid.NewSHA1(conversationNamespace, []byte(strconv.FormatInt(userID, 10))).String()
}

func (o *Orchestrator) HandleText(ctx context.Context, userID int64, profile Profile, text string) string {
	return o.handle(ctx, userID, profile, exchange{
		kind:    models.TextRequest,
		text:    text,
		subject: text,
		window:  llm.TextContextWindow,
	})
}

func (o *Orchestrator) HandleImage(ctx context.Context, userID int64, profile Profile, image []byte, caption string) string {
	return o.handle(ctx, userID, profile, exchange{
		kind:    models.ImageRequest,
		image:   image,
		caption: caption,
		subject: caption,
		window:  llm.ImageContextWindow,
	})
}

type exchange struct {
	kind    models.RequestKind
	text    string
	image   []byte
	caption string
	subject string // text fed to the classifier
	window  int
}

func (o *Orchestrator) handle(ctx context.Context, userID int64, profile Profile, ex exchange) string {
	conversationID := ConversationID(userID)

	unlock := o.lockSlot(userID, conversationID)
	defer unlock()

	if err := o.store.UpsertUser(ctx, &models.User{
		ID:        userID,
		Username:  profile.Username,
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
	}); err != nil {
		o.logger.Error("failed to upsert user",
			zap.Error(err),
			zap.Int64("user_id", userID))
		return retryNotice
	}

	turns, err := o.store.GetRecentTurns(ctx, userID, conversationID, ex.window)
	if err != nil {
		o.logger.Error("failed to fetch conversation context",
			zap.Error(err),
			zap.Int64("user_id", userID))
		return retryNotice
	}

	subjectHint, confidence := o.classifier.DetectSubject(ex.subject)

	var answer llm.Answer
	if ex.kind == models.ImageRequest {
		answer = o.gateway.SolveImage(ctx, ex.image, ex.caption, subjectHint, turns)
	} else {
		answer = o.gateway.SolveText(ctx, ex.text, subjectHint, turns)
	}

	userContent := ex.text
	if ex.kind == models.ImageRequest {
		userContent = ex.caption
		if userContent == "" {
			userContent = imageTurnPlaceholder
		}
	}

	if err := o.persist(ctx, userID, conversationID, userContent, ex.kind, answer); err != nil {
		o.logger.Error("failed to persist exchange",
			zap.Error(err),
			zap.Int64("user_id", userID),
			zap.String("kind", string(ex.kind)))
		return retryNotice
	}

	o.logger.Info("exchange completed",
		zap.Int64("user_id", userID),
		zap.String("kind", string(ex.kind)),
		zap.String("subject", answer.Subject),
		zap.Float64("confidence", confidence),
		zap.Bool("fallback", answer.Fallback))

	return answer.Text
}

func (o *Orchestrator) persist(ctx context.Context, userID int64, conversationID, userContent string, kind models.RequestKind, answer llm.Answer) error {
	if err := o.store.AppendTurn(ctx, &models.Turn{
		UserID:         userID,
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        userContent,
	}); err != nil {
		return err
	}
	if err := o.store.AppendTurn(ctx, &models.Turn{
		UserID:         userID,
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        answer.Text,
	}); err != nil {
		return err
	}
	return o.store.SaveRequest(ctx, &models.Request{
		UserID:  userID,
		Kind:    kind,
		Subject: answer.Subject,
		Text:    userContent,
		Answer:  answer.Text,
	})
}

// lockSlot serializes the read-context, call-model, append-turns sequence
// per (user, conversation) pair.
func (o *Orchestrator) lockSlot(userID int64, conversationID string) func() {
	key := strconv.FormatInt(userID, 10) + "/" + conversationID

	o.mu.Lock()
	s, ok := o.slots[key]
	if !ok {
		s = &slot{}
		o.slots[key] = s
	}
	s.refs++
	o.mu.Unlock()

	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		o.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(o.slots, key)
		}
		o.mu.Unlock()
	}
}
