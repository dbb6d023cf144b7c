package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stepanboost/omybot/internal/models"
	"go.uber.org/zap"
)

const (
	// TextContextWindow bounds the trailing history sent with a text task.
	TextContextWindow = 5
	// ImageContextWindow is smaller: image payloads dominate request size.
	ImageContextWindow = 3

	// SubjectUnknown marks answers produced by the error fallback.
	SubjectUnknown = "unknown"

	demoAnswerText  = "Это демо-режим. Для полного функционала настройте OpenAI API ключ."
	errorAnswerText = "Произошла ошибка при обработке запроса. Попробуйте еще раз."
)

// Answer is the gateway's only result type. Callers never see an error: any
// backend failure is folded into a fallback Answer so the exchange can still
// be persisted and replied to.
type Answer struct {
	Subject  string
	Text     string
	Fallback bool
}

type Config struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	VisionModel string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Gateway builds bounded conversation payloads and dispatches them to a
// chat-completion endpoint, text or vision variant.
type Gateway struct {
	client      *openai.Client
	textModel   string
	visionModel string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	demo        bool
	logger      *zap.Logger
}

func NewGateway(cfg Config, logger *zap.Logger) *Gateway {
	g := &Gateway{
		textModel:   cfg.TextModel,
		visionModel: cfg.VisionModel,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		timeout:     cfg.Timeout,
		logger:      logger,
	}
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}

	// No valid credential means demo mode: the bot stays startable and
	// answers with a canned placeholder, without any network I/O.
	if cfg.APIKey == "" || cfg.APIKey == "demo_key" {
		g.demo = true
		return g
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: g.timeout}
	g.client = openai.NewClientWithConfig(clientCfg)
	return g
}

// DemoMode reports whether the gateway short-circuits to canned answers.
func (g *Gateway) DemoMode() bool { return g.demo }

func (g *Gateway) SolveText(ctx context.Context, text, subjectHint string, turns []models.Turn) Answer {
	if g.demo {
		return demoAnswer(subjectHint)
	}

	messages := g.buildMessages(subjectHint, turns, TextContextWindow)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	return g.complete(ctx, g.textModel, messages, subjectHint)
}

func (g *Gateway) SolveImage(ctx context.Context, image []byte, caption, subjectHint string, turns []models.Turn) Answer {
	if g.demo {
		return demoAnswer(subjectHint)
	}

	prompt := "Реши задачу на этом изображении:"
	if caption != "" {
		prompt = fmt.Sprintf("%s %s", prompt, caption)
	}

	encoded := base64.StdEncoding.EncodeToString(image)
	messages := g.buildMessages(subjectHint, turns, ImageContextWindow)
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: prompt},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: "data:image/jpeg;base64," + encoded,
				},
			},
		},
	})

	return g.complete(ctx, g.visionModel, messages, subjectHint)
}

// buildMessages assembles the system instruction plus the trailing window of
// prior turns, oldest first.
func (g *Gateway) buildMessages(subjectHint string, turns []models.Turn, window int) []openai.ChatCompletionMessage {
	if len(turns) > window {
		turns = turns[len(turns)-window:]
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt(subjectHint),
	})
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: t.Content,
		})
	}
	return messages
}

func (g *Gateway) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, subjectHint string) Answer {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		g.logger.Error("completion request failed",
			zap.Error(err),
			zap.String("model", model))
		return errorAnswer()
	}
	if len(resp.Choices) == 0 {
		g.logger.Error("completion response has no choices",
			zap.String("model", model))
		return errorAnswer()
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		g.logger.Error("completion response is empty",
			zap.String("model", model))
		return errorAnswer()
	}

	subject := subjectHint
	if subject == "" {
		subject = "general"
	}
	return Answer{Subject: subject, Text: content}
}

func demoAnswer(subjectHint string) Answer {
	subject := subjectHint
	if subject == "" {
		subject = "general"
	}
	return Answer{Subject: subject, Text: demoAnswerText, Fallback: true}
}

func errorAnswer() Answer {
	return Answer{Subject: SubjectUnknown, Text: errorAnswerText, Fallback: true}
}
