package app

import (
	"context"
	"fmt"
	"strings"

	"quillai/internal/util"
	"quillai/pkg/ai"
	"quillai/pkg/domain"
)

// MaxMessageLength bounds one user message.
const MaxMessageLength = 8000

type SendMessageInput struct {
	FileID  string `json:"fileId"`
	Message string `json:"message"`
}

// Turn is a chat turn whose user message is saved and whose prompt is built,
// waiting for the answer to be streamed.
type Turn struct {
	app    *App
	user   domain.User
	file   domain.File
	prompt ai.ChatRequest
}

// PrepareTurn validates the request, saves the user message, retrieves the
// closest pages and recent history and composes the prompt. The user message
// stays saved even when a later step fails.
func (a *App) PrepareTurn(ctx context.Context, user domain.User, in SendMessageInput) (*Turn, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, fmt.Errorf("%w: message required", ErrInvalidInput)
	}
	if len(message) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message longer than %d bytes", ErrInvalidInput, MaxMessageLength)
	}
	f, err := a.ownedFile(ctx, user, in.FileID)
	if err != nil {
		return nil, err
	}
	userMsg := domain.Message{
		ID:            util.NewID(),
		Text:          message,
		IsUserMessage: true,
		FileID:        f.ID,
		UserID:        user.ID,
		CreatedAt:     a.now().UTC(),
	}
	if err := a.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	matches, err := a.searcher.Search(ctx, f.ID, message)
	if err != nil {
		return nil, fmt.Errorf("%w: retrieve context: %v", ErrUpstream, err)
	}
	history, err := a.store.RecentMessages(ctx, f.ID, a.historyLimit, userMsg.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	prompt := buildPrompt(history, matches, message)
	prompt.MaxTokens = a.maxTokens
	util.LoggerFromContext(ctx).Debug("chat_turn_prepared",
		"file_id", f.ID, "chunks", len(matches), "history", len(history))
	return &Turn{app: a, user: user, file: f, prompt: prompt}, nil
}

// Stream forwards answer fragments to onDelta as they arrive. An error from
// onDelta or cancellation of ctx stops generation and nothing is saved for
// the assistant. After a clean finish the full answer is saved on a context
// detached from ctx; a failed save is logged only.
func (t *Turn) Stream(ctx context.Context, onDelta func(string) error) (string, error) {
	text, err := t.app.chat.Stream(ctx, t.prompt, onDelta)
	if err != nil {
		if ctx.Err() != nil {
			return text, ctx.Err()
		}
		return text, fmt.Errorf("%w: stream answer: %v", ErrUpstream, err)
	}
	t.app.saveAnswer(ctx, t.user, t.file, text)
	return text, nil
}

func (a *App) saveAnswer(ctx context.Context, user domain.User, f domain.File, text string) {
	logger := util.LoggerFromContext(ctx)
	if strings.TrimSpace(text) == "" {
		logger.Warn("chat_empty_answer", "file_id", f.ID)
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.persistTimeout)
	defer cancel()
	err := a.store.CreateMessage(saveCtx, domain.Message{
		ID:            util.NewID(),
		Text:          text,
		IsUserMessage: false,
		FileID:        f.ID,
		UserID:        user.ID,
		CreatedAt:     a.now().UTC(),
	})
	if err != nil {
		logger.Error("chat_answer_save_failed", "file_id", f.ID, "err", err)
	}
}
