// Package assistant drives a recipe conversation: it sends the history to the chat endpoint, reads the
// streamed answer and keeps the trailing assistant message in sync with what has arrived so far.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/stream"
	"github.com/google/uuid"
)

// Transport opens the event stream answering a chat request. Implementations return an error for
// transport failures and non-2xx answers; the caller closes the returned body.
type Transport interface {
	Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
}

// ErrBusy is returned when a message is sent while the previous one is still being answered.
var ErrBusy = errors.New("a message is already being sent in this conversation")

// Chat sends user messages and streams the assistant answers into a Conversation.
type Chat struct {
	transport   Transport
	preferences *models.UserPreferences
	onUpdate    func(models.ChatMessage)
	onSettle    func(error)

	logger *slog.Logger
}

// Option configures a Chat.
type Option func(*Chat)

// Pending is a send cycle that has started. The user message is already part of the conversation.
type Pending struct {
	UserMessage models.ChatMessage

	done <-chan error
}

// WithPreferences attaches the user preferences to every request.
func WithPreferences(p *models.UserPreferences) Option {
	return func(c *Chat) {
		c.preferences = p
	}
}

// WithUpdateHook registers fn to be called with every message appended or replaced by a send cycle,
// in the order the changes were applied.
func WithUpdateHook(fn func(models.ChatMessage)) Option {
	return func(c *Chat) {
		c.onUpdate = fn
	}
}

// WithSettleHook registers fn to be called once the answer has settled, with the error of the send
// cycle. fn runs before the conversation accepts the next message, so whatever it persists is never
// older than a later cycle.
func WithSettleHook(fn func(error)) Option {
	return func(c *Chat) {
		c.onSettle = fn
	}
}

// WithLogger sets the logger used to report failed sends.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chat) {
		c.logger = logger
	}
}

// NewChat creates a Chat reading answers through transport.
func NewChat(transport Transport, opts ...Option) *Chat {
	c := &Chat{
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("module", "assistant"))
	return c
}

// Send appends text as a user message, streams the answer into conv and returns once the answer has
// settled. Failures are recorded in conv as an assistant error message and also returned. Sending
// while conv is busy returns ErrBusy and leaves conv untouched.
func (c *Chat) Send(ctx context.Context, conv *Conversation, text string) error {
	p, err := c.Start(ctx, conv, text)
	if err != nil {
		return err
	}
	return p.Wait()
}

// Start is the asynchronous form of Send: it appends the user message, starts streaming the answer
// in the background and returns immediately.
func (c *Chat) Start(ctx context.Context, conv *Conversation, text string) (Pending, error) {
	if !conv.begin() {
		return Pending{}, ErrBusy
	}

	um := models.ChatMessage{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	conv.Append(um)
	c.notify(um)

	req := models.ChatRequest{
		Messages:        conv.History(),
		UserPreferences: c.preferences,
	}

	done := make(chan error, 1)
	go func() {
		err := c.stream(ctx, conv, req)
		if err != nil {
			c.logger.Error("Chat error", slog.String("err", err.Error()))
			em := models.ChatMessage{
				ID:        uuid.NewString(),
				Role:      models.RoleAssistant,
				Content:   fmt.Sprintf("Desculpe, houve um erro: %s", err.Error()),
				Timestamp: time.Now(),
			}
			conv.Append(em)
			c.notify(em)
		}
		if c.onSettle != nil {
			c.onSettle(err)
		}
		conv.end()
		done <- err
	}()

	return Pending{UserMessage: um, done: done}, nil
}

// Wait blocks until the send cycle settles and returns its error, if any.
func (p Pending) Wait() error {
	return <-p.done
}

func (c *Chat) stream(ctx context.Context, conv *Conversation, req models.ChatRequest) error {
	body, err := c.transport.Open(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	var (
		text strings.Builder
		am   *models.ChatMessage
	)
	for delta, err := range stream.Deltas(body) {
		if err != nil {
			return err
		}
		text.WriteString(delta)
		reply := models.ParseReply(text.String())

		if am == nil {
			am = &models.ChatMessage{
				ID:        uuid.NewString(),
				Role:      models.RoleAssistant,
				Timestamp: time.Now(),
			}
			am.Content, am.Recipes, am.NeedsConfirmation = reply.Message, reply.Recipes, reply.NeedsConfirmation
			conv.Append(*am)
		} else {
			am.Content, am.Recipes, am.NeedsConfirmation = reply.Message, reply.Recipes, reply.NeedsConfirmation
			if !conv.ReplaceLast(*am) {
				c.logger.Warn("Assistant message is no longer last, appending", slog.String("messageID", am.ID))
				conv.Append(*am)
			}
		}
		c.notify(*am)
	}
	return nil
}

func (c *Chat) notify(msg models.ChatMessage) {
	if c.onUpdate != nil {
		c.onUpdate(msg)
	}
}
