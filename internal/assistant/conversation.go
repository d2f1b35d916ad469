package assistant

import (
	"slices"
	"sync"
	"time"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
)

// Conversation is the in-memory, append-only list of messages of one chat. It is safe for concurrent
// use; at most one send cycle may run on it at a time.
type Conversation struct {
	mu       sync.Mutex
	messages []models.ChatMessage
	sending  bool
}

// NewConversation returns a conversation seeded with the welcome message. An empty welcome starts
// the conversation empty.
func NewConversation(welcome string) *Conversation {
	c := &Conversation{}
	if welcome != "" {
		c.messages = append(c.messages, models.ChatMessage{
			ID:        models.WelcomeMessageID,
			Role:      models.RoleAssistant,
			Content:   welcome,
			Timestamp: time.Now(),
		})
	}
	return c
}

// RestoreConversation returns a conversation holding previously persisted messages.
func RestoreConversation(messages []models.ChatMessage) *Conversation {
	return &Conversation{messages: slices.Clone(messages)}
}

// Append adds msg at the end of the conversation.
func (c *Conversation) Append(msg models.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

// ReplaceLast overwrites the last message with msg if both share the same ID. It reports whether the
// replacement happened.
func (c *Conversation) ReplaceLast(msg models.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.messages) == 0 || c.messages[len(c.messages)-1].ID != msg.ID {
		return false
	}
	c.messages[len(c.messages)-1] = msg
	return true
}

// Messages returns a copy of the conversation.
func (c *Conversation) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// History returns the role/content pairs sent to the chat endpoint. The welcome message is left out.
func (c *Conversation) History() []models.HistoryMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := make([]models.HistoryMessage, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.ID == models.WelcomeMessageID {
			continue
		}
		history = append(history, models.HistoryMessage{Role: msg.Role, Content: msg.Content})
	}
	return history
}

// Sending reports whether a send cycle is in progress.
func (c *Conversation) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

func (c *Conversation) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending {
		return false
	}
	c.sending = true
	return true
}

func (c *Conversation) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
}
