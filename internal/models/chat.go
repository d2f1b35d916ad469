package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Conversation is the persisted header of a chat thread. The messages themselves are stored
// separately and keyed by the conversation ID.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChatMessage is a single entry of a conversation as it is displayed. Assistant messages carry the
// projection produced by ParseReply, so Content is the display text and not the raw model output.
type ChatMessage struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Recipes is only set on assistant messages once a structured payload has been parsed.
	Recipes []RecipeSuggestion `json:"recipes,omitempty"`
	// NeedsConfirmation lists ingredients the assistant wants the user to confirm.
	NeedsConfirmation []string `json:"needsConfirmation,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed, dictated or photographed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant, including error notices.
	RoleAssistant Role = "assistant"
)

// WelcomeMessageID is the fixed ID of the synthetic greeting that seeds every conversation. It is
// never sent back to the LLM.
const WelcomeMessageID = "welcome"

// WelcomeMessage is the default greeting text.
const WelcomeMessage = "Olá! 👋 Sou seu assistente de cozinha. Me conta o que você tem na geladeira ou o que está " +
	"com vontade de comer, e eu sugiro receitas deliciosas!"

const (
	imagePrefix = "[IMAGEM:"
	imageSuffix = "]"
)

// ErrNotFound is returned by stores when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// ImageContent wraps an image reference (usually a data URL) into message content.
func ImageContent(ref string) string {
	return imagePrefix + ref + imageSuffix
}

// ImageReference reports whether content is an embedded image and returns the reference.
func ImageReference(content string) (string, bool) {
	if !strings.HasPrefix(content, imagePrefix) || !strings.HasSuffix(content, imageSuffix) {
		return "", false
	}
	ref := strings.TrimSuffix(strings.TrimPrefix(content, imagePrefix), imageSuffix)
	return ref, ref != ""
}

// HistoryMessage is the role/content pair sent to the chat endpoint.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// UserPreferences holds the onboarding answers that tailor recipe suggestions.
type UserPreferences struct {
	Speed        []string `json:"speed,omitempty"`
	Goals        []string `json:"goals,omitempty"`
	Restrictions []string `json:"restrictions,omitempty"`
	Equipment    []string `json:"equipment,omitempty"`
}

// ChatRequest is the body accepted by the chat endpoint.
type ChatRequest struct {
	Messages        []HistoryMessage `json:"messages"`
	UserPreferences *UserPreferences `json:"userPreferences,omitempty"`
}

// StatusError is returned by providers when the upstream API answers with a non-2xx status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.Code, e.Body)
}
