package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/assistant"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type sendRequest struct {
	Message         string                  `json:"message"`
	ConversationID  string                  `json:"conversation_id"`
	UserPreferences *models.UserPreferences `json:"userPreferences"`
}

type messageSnapshot struct {
	ConversationID string             `json:"conversation_id"`
	Message        models.ChatMessage `json:"message"`
	HTML           template.HTML      `json:"html"`
}

type conversationDetail struct {
	models.Conversation
	Messages []models.ChatMessage `json:"messages"`
}

// SSE event types for conversation updates.
var (
	messageSSEType = sse.Type("message")
	settledSSEType = sse.Type("settled")
)

const (
	titleMaxRunes = 60
	imageTitle    = "Foto de ingredientes"
)

// HandleSendMessage sends a user message in a server-side conversation. Without a conversation_id
// a new conversation is created. The assistant answer streams in the background: every snapshot of
// the user and assistant messages is published on the conversation SSE topic, and once the answer
// settled the conversation is persisted and a settled event follows.
//
// It answers 202 with the conversation and user message IDs, or 409 when an answer is still
// streaming in that conversation.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode send request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	var (
		record models.Conversation
		err    error
	)
	if req.ConversationID == "" {
		record, err = m.newConversation(r.Context(), req.Message)
	} else {
		record, err = m.store.Conversation(r.Context(), req.ConversationID)
	}
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		m.logger.Error("Failed to load conversation",
			slog.String("conversationID", req.ConversationID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conv, err := m.live.acquire(record.ID, func() (*assistant.Conversation, error) {
		return m.restoreConversation(r.Context(), record.ID)
	})
	if err != nil {
		m.logger.Error("Failed to restore conversation",
			slog.String("conversationID", record.ID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	topic := conversationTopic(record.ID)
	chat := assistant.NewChat(m.llm,
		assistant.WithPreferences(req.UserPreferences),
		assistant.WithLogger(m.logger),
		assistant.WithUpdateHook(func(msg models.ChatMessage) {
			m.publishSnapshot(topic, record.ID, msg)
		}),
		assistant.WithSettleHook(func(err error) {
			m.settle(record, conv, err)
		}),
	)

	m.settling.Add(1)
	pending, err := chat.Start(context.Background(), conv, req.Message)
	if err != nil {
		m.settling.Done()
		m.live.release(record.ID)

		if errors.Is(err, assistant.ErrBusy) {
			writeError(w, http.StatusConflict, "Aguarde a resposta anterior.")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		defer m.settling.Done()
		_ = pending.Wait()
		m.live.release(record.ID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"conversation_id": record.ID,
		"message_id":      pending.UserMessage.ID,
	})
}

// HandleConversations lists the persisted conversations, newest first.
func (m Main) HandleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

// HandleConversation returns one conversation with its persisted messages.
func (m Main) HandleConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := m.store.Conversation(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		m.logger.Error("Failed to get conversation",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages, err := m.store.Messages(r.Context(), id)
	if err != nil {
		m.logger.Error("Failed to get messages",
			slog.String("conversationID", id),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	writeJSON(w, http.StatusOK, conversationDetail{Conversation: conv, Messages: messages})
}

func (m Main) newConversation(ctx context.Context, firstMessage string) (models.Conversation, error) {
	now := time.Now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Title:     conversationTitle(firstMessage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	id, err := m.store.AddConversation(ctx, conv)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to add conversation: %w", err)
	}
	conv.ID = id
	return conv, nil
}

func (m Main) restoreConversation(ctx context.Context, id string) (*assistant.Conversation, error) {
	messages, err := m.store.Messages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	if len(messages) == 0 {
		return assistant.NewConversation(m.welcome), nil
	}
	return assistant.RestoreConversation(messages), nil
}

func (m Main) publishSnapshot(topic, conversationID string, msg models.ChatMessage) {
	html, err := models.RenderMarkdown(msg)
	if err != nil {
		m.logger.Error("Failed to render message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	data, err := json.Marshal(messageSnapshot{
		ConversationID: conversationID,
		Message:        msg,
		HTML:           html,
	})
	if err != nil {
		m.logger.Error("Failed to marshal snapshot", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messageSSEType}
	e.AppendData(string(data))
	if err := m.sseSrv.Publish(&e, topic); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// settle persists the conversation once its answer has settled. It runs before the conversation
// accepts another message.
func (m Main) settle(record models.Conversation, conv *assistant.Conversation, answerErr error) {
	if answerErr != nil {
		m.logger.Warn("Answer failed",
			slog.String("conversationID", record.ID),
			slog.String(errLoggerKey, answerErr.Error()))
	}

	ctx := context.Background()
	if err := m.store.SaveMessages(ctx, record.ID, conv.Messages()); err != nil {
		m.logger.Error("Failed to save messages",
			slog.String("conversationID", record.ID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	record.UpdatedAt = time.Now()
	if err := m.store.UpdateConversation(ctx, record); err != nil {
		m.logger.Error("Failed to update conversation",
			slog.String("conversationID", record.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	e := sse.Message{Type: settledSSEType}
	e.AppendData(record.ID)
	if err := m.sseSrv.Publish(&e, conversationTopic(record.ID)); err != nil {
		m.logger.Error("Failed to publish settled event", slog.String(errLoggerKey, err.Error()))
	}
}

func conversationTitle(message string) string {
	if _, ok := models.ImageReference(message); ok {
		return imageTitle
	}
	title := strings.Join(strings.Fields(message), " ")
	if runes := []rune(title); len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes]) + "…"
	}
	return title
}
