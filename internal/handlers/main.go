package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/assistant"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/tmaxmax/go-sse"
)

// LLM represents a large language model that answers the recipe chat and the single-shot extraction
// tasks. Open returns the chat-completion event stream of the answer; Complete returns the whole
// output of a non-streamed task. Upstream failures carrying an HTTP status are *models.StatusError.
type LLM interface {
	Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error)
	Complete(ctx context.Context, req models.CompletionRequest) (string, error)
}

// Transcriber turns recorded speech into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Store defines the interface for conversation persistence. Conversation returns models.ErrNotFound
// for unknown IDs, and SaveMessages replaces the whole message list of a conversation.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)
	UpdateConversation(ctx context.Context, conv models.Conversation) error

	Messages(ctx context.Context, conversationID string) ([]models.ChatMessage, error)
	SaveMessages(ctx context.Context, conversationID string, messages []models.ChatMessage) error
}

// Main handles the core functionality of the service, managing server-sent events and the
// interactions between the LLM, Transcriber and Store components.
type Main struct {
	sseSrv *sse.Server

	llm         LLM
	transcriber Transcriber
	store       Store

	welcome  string
	live     *liveConversations
	settling *sync.WaitGroup

	logger *slog.Logger
}

// liveConversations keeps the conversations that have a request or an answer in flight. An entry is
// dropped once its last user releases it; the next send restores it from the store.
type liveConversations struct {
	mu    sync.Mutex
	convs map[string]*liveConversation
}

type liveConversation struct {
	conv *assistant.Conversation
	refs int
}

const (
	errLoggerKey = "err"

	// replayedEvents is how many published events a reconnecting client can catch up on.
	replayedEvents = 256
)

// NewMain creates a new Main instance with the provided implementations. welcome is the assistant
// greeting new conversations start with. The SSE server subscribes every client to the default
// topic, plus the topic of the conversation named by the conversation_id query parameter. Clients
// reconnecting with a Last-Event-ID receive the recent events they missed.
func NewMain(llm LLM, transcriber Transcriber, store Store, welcome string, logger *slog.Logger) Main {
	// NewFiniteReplayer only fails for counts below 2.
	replayer, _ := sse.NewFiniteReplayer(replayedEvents, true)

	return Main{
		sseSrv: &sse.Server{
			Provider: &sse.Joe{Replayer: replayer},
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				conversationID := s.Req.URL.Query().Get("conversation_id")
				if conversationID != "" {
					topics = append(topics, conversationTopic(conversationID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		llm:         llm,
		transcriber: transcriber,
		store:       store,
		welcome:     welcome,
		live:        &liveConversations{convs: make(map[string]*liveConversation)},
		settling:    &sync.WaitGroup{},
		logger:      logger.With(slog.String("module", "main")),
	}
}

func conversationTopic(conversationID string) string {
	return fmt.Sprintf("conversation-%s", conversationID)
}

// HandleSSE subscribes the client to conversation snapshots.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// HandleHealth reports that the service is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeConversation")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// Wait blocks until every answer streaming in the background has settled and been saved, or until
// ctx is done.
func (m Main) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.settling.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// acquire returns the live conversation with the given ID, creating it with fn on first use. Every
// acquire must be paired with a release.
func (l *liveConversations) acquire(id string, fn func() (*assistant.Conversation, error)) (*assistant.Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lc, ok := l.convs[id]; ok {
		lc.refs++
		return lc.conv, nil
	}
	conv, err := fn()
	if err != nil {
		return nil, err
	}
	l.convs[id] = &liveConversation{conv: conv, refs: 1}
	return conv, nil
}

func (l *liveConversations) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lc, ok := l.convs[id]
	if !ok {
		return
	}
	lc.refs--
	if lc.refs <= 0 {
		delete(l.convs, id)
	}
}

func (l *liveConversations) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.convs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
