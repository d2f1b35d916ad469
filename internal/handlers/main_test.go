package handlers_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/handlers"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/stream"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
)

type mockLLM struct {
	stream string
	output string
	err    error

	// release, when set, holds the stream body until it is closed.
	release chan struct{}

	mu          sync.Mutex
	completions []models.CompletionRequest
}

type mockTranscriber struct {
	text string
	err  error

	filename string
	audio    []byte
}

type mockStore struct {
	mu       sync.Mutex
	convs    []models.Conversation
	messages map[string][]models.ChatMessage
	err      error

	saved chan string
}

// slowStore delays its first SaveMessages.
type slowStore struct {
	*mockStore

	delay time.Duration
	once  sync.Once
}

type blockingReader struct {
	r       io.Reader
	release chan struct{}
}

func newMockStore() *mockStore {
	return &mockStore{
		messages: map[string][]models.ChatMessage{},
		saved:    make(chan string, 10),
	}
}

func newMain(llm handlers.LLM, tr handlers.Transcriber, store handlers.Store) handlers.Main {
	return handlers.NewMain(llm, tr, store, models.WelcomeMessage, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func frames(deltas ...string) string {
	var b bytes.Buffer
	for _, d := range deltas {
		b.Write(stream.Frame(d))
	}
	b.Write(stream.Done)
	return b.String()
}

func TestNewMain(t *testing.T) {
	main := newMain(&mockLLM{}, &mockTranscriber{}, newMockStore())

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHealth(t *testing.T) {
	main := newMain(&mockLLM{}, &mockTranscriber{}, newMockStore())

	w := httptest.NewRecorder()
	main.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("HandleHealth() status = %v, want %v", w.Code, http.StatusOK)
	}
}

func TestHandleChat(t *testing.T) {
	okStream := frames("Olá", "!")

	tests := []struct {
		name        string
		body        string
		llm         *mockLLM
		wantStatus  int
		wantBody    string
		wantContent string
	}{
		{
			name:       "Invalid body",
			body:       "{",
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Invalid request body",
		},
		{
			name:       "Empty messages",
			body:       `{"messages":[]}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Rate limited upstream",
			body:       `{"messages":[{"role":"user","content":"oi"}]}`,
			llm:        &mockLLM{err: &models.StatusError{Code: http.StatusTooManyRequests}},
			wantStatus: http.StatusTooManyRequests,
			wantBody:   "Muitas requisições. Aguarde um momento.",
		},
		{
			name:       "Out of credits",
			body:       `{"messages":[{"role":"user","content":"oi"}]}`,
			llm:        &mockLLM{err: &models.StatusError{Code: http.StatusPaymentRequired}},
			wantStatus: http.StatusPaymentRequired,
			wantBody:   "Créditos de IA esgotados.",
		},
		{
			name:       "Other upstream status",
			body:       `{"messages":[{"role":"user","content":"oi"}]}`,
			llm:        &mockLLM{err: &models.StatusError{Code: http.StatusServiceUnavailable}},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "AI service error: 503",
		},
		{
			name:       "Transport failure",
			body:       `{"messages":[{"role":"user","content":"oi"}]}`,
			llm:        &mockLLM{err: errors.New("connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "connection refused",
		},
		{
			name:        "Stream proxied",
			body:        `{"messages":[{"role":"user","content":"oi"}]}`,
			llm:         &mockLLM{stream: okStream},
			wantStatus:  http.StatusOK,
			wantBody:    okStream,
			wantContent: "text/event-stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(tt.llm, &mockTranscriber{}, newMockStore())

			req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			main.HandleChat(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleChat() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleChat() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
			if tt.wantContent != "" && w.Header().Get("Content-Type") != tt.wantContent {
				t.Errorf("HandleChat() content type = %v, want %v", w.Header().Get("Content-Type"), tt.wantContent)
			}
		})
	}
}

func TestHandleParseRecipe(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		llm        *mockLLM
		wantStatus int
		wantBody   []string
		wantTask   models.Task
	}{
		{
			name:       "Empty content",
			body:       `{"type":"text"}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Transcript with defaults",
			body:       `{"content":"bolo de cenoura...","type":"text"}`,
			llm:        &mockLLM{output: "```json\n{\"ingredients\":[\"cenoura\"]}\n```"},
			wantStatus: http.StatusOK,
			wantBody:   []string{`"title":"Receita sem nome"`, `"servings":2`, `"difficulty":"medio"`, `"prepTime":30`},
			wantTask:   models.TaskRecipeFromText,
		},
		{
			name:       "Photo",
			body:       `{"content":"data:image/png;base64,AAAA","type":"image"}`,
			llm:        &mockLLM{output: `{"title":"Pudim","servings":8}`},
			wantStatus: http.StatusOK,
			wantBody:   []string{`"title":"Pudim"`, `"servings":8`},
			wantTask:   models.TaskRecipeFromImage,
		},
		{
			name:       "Unparseable output",
			body:       `{"content":"xyz","type":"text"}`,
			llm:        &mockLLM{output: "não consegui ler a receita"},
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   []string{"Could not parse recipe", "não consegui ler a receita"},
		},
		{
			name:       "Rate limited upstream",
			body:       `{"content":"xyz","type":"text"}`,
			llm:        &mockLLM{err: &models.StatusError{Code: http.StatusTooManyRequests}},
			wantStatus: http.StatusTooManyRequests,
			wantBody:   []string{"Rate limit exceeded. Please try again later."},
		},
		{
			name:       "Out of credits",
			body:       `{"content":"xyz","type":"text"}`,
			llm:        &mockLLM{err: &models.StatusError{Code: http.StatusPaymentRequired}},
			wantStatus: http.StatusPaymentRequired,
			wantBody:   []string{"Payment required. Please add credits."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(tt.llm, &mockTranscriber{}, newMockStore())

			req := httptest.NewRequest(http.MethodPost, "/parse-recipe", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			main.HandleParseRecipe(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleParseRecipe() status = %v, want %v", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("HandleParseRecipe() body = %v, want to contain %v", w.Body.String(), want)
				}
			}
			if tt.wantTask != "" {
				if len(tt.llm.completions) != 1 || tt.llm.completions[0].Task != tt.wantTask {
					t.Errorf("HandleParseRecipe() completions = %+v, want task %v", tt.llm.completions, tt.wantTask)
				}
			}
		})
	}
}

func TestHandleParseRecipeTruncatesRawResponse(t *testing.T) {
	llm := &mockLLM{output: strings.Repeat("ã", 1500)}
	main := newMain(llm, &mockTranscriber{}, newMockStore())

	req := httptest.NewRequest(http.MethodPost, "/parse-recipe", strings.NewReader(`{"content":"x"}`))
	w := httptest.NewRecorder()
	main.HandleParseRecipe(w, req)

	var res struct {
		RawResponse string `json:"rawResponse"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if got := len([]rune(res.RawResponse)); got != 1000 {
		t.Errorf("rawResponse length = %d, want 1000", got)
	}
}

func TestHandleParseShoppingItems(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		llm        *mockLLM
		wantStatus int
		wantItems  []models.ShoppingItem
		wantError  string
	}{
		{
			name:       "Missing message",
			body:       `{}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
			wantItems:  []models.ShoppingItem{},
			wantError:  "Mensagem inválida",
		},
		{
			name:       "Non-string message",
			body:       `{"message":42}`,
			llm:        &mockLLM{},
			wantStatus: http.StatusBadRequest,
			wantItems:  []models.ShoppingItem{},
			wantError:  "Mensagem inválida",
		},
		{
			name: "Items parsed",
			body: `{"message":"leite e pão"}`,
			llm: &mockLLM{output: `Aqui: {"items":[{"name":"Leite","quantity":null,"category":"Laticínios"},` +
				`{"name":"Pão","quantity":null}]}`},
			wantStatus: http.StatusOK,
			wantItems: []models.ShoppingItem{
				{Name: "Leite", Category: "Laticínios"},
				{Name: "Pão", Category: models.CategoryOther},
			},
		},
		{
			name:       "Malformed output",
			body:       `{"message":"  arroz  "}`,
			llm:        &mockLLM{output: `{"items":[`},
			wantStatus: http.StatusOK,
			wantItems:  []models.ShoppingItem{},
		},
		{
			name:       "Broken object falls back to the message",
			body:       `{"message":"  arroz  "}`,
			llm:        &mockLLM{output: `{"items": nope}`},
			wantStatus: http.StatusOK,
			wantItems:  []models.ShoppingItem{{Name: "arroz", Category: models.CategoryOther}},
		},
		{
			name:       "Upstream failure",
			body:       `{"message":"arroz"}`,
			llm:        &mockLLM{err: &models.StatusError{Code: http.StatusBadGateway}},
			wantStatus: http.StatusInternalServerError,
			wantItems:  []models.ShoppingItem{},
			wantError:  "AI service error: 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(tt.llm, &mockTranscriber{}, newMockStore())

			req := httptest.NewRequest(http.MethodPost, "/parse-shopping-items", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			main.HandleParseShoppingItems(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleParseShoppingItems() status = %v, want %v", w.Code, tt.wantStatus)
			}

			var res struct {
				Items []models.ShoppingItem `json:"items"`
				Error string                `json:"error"`
			}
			if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
				t.Fatal(err)
			}
			if res.Error != tt.wantError {
				t.Errorf("HandleParseShoppingItems() error = %q, want %q", res.Error, tt.wantError)
			}
			if res.Items == nil {
				t.Fatal("HandleParseShoppingItems() items should never be null")
			}
			if len(res.Items) != len(tt.wantItems) {
				t.Fatalf("HandleParseShoppingItems() items = %+v, want %+v", res.Items, tt.wantItems)
			}
			for i, item := range res.Items {
				if item.Name != tt.wantItems[i].Name || item.Category != tt.wantItems[i].Category {
					t.Errorf("item %d = %+v, want %+v", i, item, tt.wantItems[i])
				}
			}
		})
	}
}

func TestHandleTranscribe(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("fake audio"))

	tests := []struct {
		name         string
		body         string
		tr           *mockTranscriber
		wantStatus   int
		wantBody     string
		wantFilename string
	}{
		{
			name:       "Missing audio",
			body:       `{"mimeType":"audio/webm"}`,
			tr:         &mockTranscriber{},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "No audio data provided",
		},
		{
			name:         "Transcript trimmed",
			body:         `{"audio":"` + audio + `","mimeType":"audio/mp4"}`,
			tr:           &mockTranscriber{text: "  tenho ovos e tomate \n"},
			wantStatus:   http.StatusOK,
			wantBody:     `{"transcript":"tenho ovos e tomate"}`,
			wantFilename: "audio.m4a",
		},
		{
			name:         "Default mime type",
			body:         `{"audio":"` + audio + `"}`,
			tr:           &mockTranscriber{text: "ok"},
			wantStatus:   http.StatusOK,
			wantFilename: "audio.webm",
		},
		{
			name:       "Empty transcript",
			body:       `{"audio":"` + audio + `","mimeType":"audio/ogg"}`,
			tr:         &mockTranscriber{text: "   "},
			wantStatus: http.StatusBadRequest,
			wantBody:   "Não foi possível identificar o áudio. Tente gravar novamente.",
		},
		{
			name:       "Rate limited",
			body:       `{"audio":"` + audio + `"}`,
			tr:         &mockTranscriber{err: &models.StatusError{Code: http.StatusTooManyRequests}},
			wantStatus: http.StatusTooManyRequests,
			wantBody:   "Rate limit exceeded. Please try again later.",
		},
		{
			name:       "Invalid key",
			body:       `{"audio":"` + audio + `"}`,
			tr:         &mockTranscriber{err: &models.StatusError{Code: http.StatusUnauthorized}},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "Invalid OpenAI API key.",
		},
		{
			name: "Quota exceeded",
			body: `{"audio":"` + audio + `"}`,
			tr: &mockTranscriber{err: &models.StatusError{
				Code: http.StatusBadRequest,
				Body: "You exceeded your current quota",
			}},
			wantStatus: http.StatusPaymentRequired,
			wantBody:   "OpenAI quota exceeded. Please check your billing.",
		},
		{
			name:       "Other bad request",
			body:       `{"audio":"` + audio + `"}`,
			tr:         &mockTranscriber{err: &models.StatusError{Code: http.StatusBadRequest, Body: "bad file"}},
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Transcription failed: 400 - bad file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(&mockLLM{}, tt.tr, newMockStore())

			req := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(tt.body))
			w := httptest.NewRecorder()

			main.HandleTranscribe(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("HandleTranscribe() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("HandleTranscribe() body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
			if tt.wantFilename != "" {
				if tt.tr.filename != tt.wantFilename {
					t.Errorf("Transcribe() filename = %v, want %v", tt.tr.filename, tt.wantFilename)
				}
				if string(tt.tr.audio) != "fake audio" {
					t.Errorf("Transcribe() audio = %q, want %q", tt.tr.audio, "fake audio")
				}
			}
		})
	}
}

func TestHandleSendMessage(t *testing.T) {
	reply := `{"message":"Que tal uma omelete?","recipes":[{"title":"Omelete"}]}`
	llm := &mockLLM{stream: frames(reply[:20], reply[20:])}
	store := newMockStore()
	main := newMain(llm, &mockTranscriber{}, store)

	req := httptest.NewRequest(http.MethodPost, "/conversations",
		strings.NewReader(`{"message":"Tenho ovos e queijo"}`))
	w := httptest.NewRecorder()

	main.HandleSendMessage(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("HandleSendMessage() status = %v, want %v", w.Code, http.StatusAccepted)
	}

	var res struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.ConversationID == "" || res.MessageID == "" {
		t.Fatalf("HandleSendMessage() response = %+v, want both IDs", res)
	}

	waitSaved(t, store, res.ConversationID)

	msgs := store.savedMessages(res.ConversationID)
	if len(msgs) != 3 {
		t.Fatalf("saved %d messages, want 3: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != models.WelcomeMessageID {
		t.Errorf("first message = %+v, want welcome", msgs[0])
	}
	if msgs[1].ID != res.MessageID || msgs[1].Content != "Tenho ovos e queijo" {
		t.Errorf("user message = %+v", msgs[1])
	}
	if msgs[2].Content != "Que tal uma omelete?" || len(msgs[2].Recipes) != 1 {
		t.Errorf("assistant message = %+v", msgs[2])
	}

	conv := store.conversation(res.ConversationID)
	if conv.Title != "Tenho ovos e queijo" {
		t.Errorf("conversation title = %q, want %q", conv.Title, "Tenho ovos e queijo")
	}

	// A follow-up continues the conversation.
	sendMessage(t, main, `{"message":"E com tomate?","conversation_id":"`+res.ConversationID+`"}`)
	waitSaved(t, store, res.ConversationID)
	if got := len(store.savedMessages(res.ConversationID)); got != 5 {
		t.Errorf("saved %d messages after follow-up, want 5", got)
	}
}

func TestHandleSendMessageBusy(t *testing.T) {
	llm := &mockLLM{stream: frames("ok"), release: make(chan struct{})}
	store := newMockStore()
	main := newMain(llm, &mockTranscriber{}, store)

	w := httptest.NewRecorder()
	main.HandleSendMessage(w, httptest.NewRequest(http.MethodPost, "/conversations",
		strings.NewReader(`{"message":"primeira"}`)))
	if w.Code != http.StatusAccepted {
		t.Fatalf("first send status = %v, want %v", w.Code, http.StatusAccepted)
	}
	var res struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	main.HandleSendMessage(w, httptest.NewRequest(http.MethodPost, "/conversations",
		strings.NewReader(`{"message":"segunda","conversation_id":"`+res.ConversationID+`"}`)))
	if w.Code != http.StatusConflict {
		t.Errorf("second send status = %v, want %v", w.Code, http.StatusConflict)
	}

	close(llm.release)
	waitSaved(t, store, res.ConversationID)

	if got := len(store.savedMessages(res.ConversationID)); got != 3 {
		t.Errorf("saved %d messages, want 3", got)
	}
}

func TestHandleSendMessageSlowSave(t *testing.T) {
	store := &slowStore{mockStore: newMockStore(), delay: 300 * time.Millisecond}
	main := newMain(&mockLLM{stream: frames("resposta")}, &mockTranscriber{}, store)

	res := sendMessage(t, main, `{"message":"um"}`)
	sendMessage(t, main, `{"message":"dois","conversation_id":"`+res.ConversationID+`"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := main.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	msgs := store.savedMessages(res.ConversationID)
	if len(msgs) != 5 {
		t.Fatalf("saved %d messages, want 5: %+v", len(msgs), msgs)
	}
	if msgs[3].Content != "dois" {
		t.Errorf("second user message = %+v", msgs[3])
	}
}

func TestHandleSendMessageReleasesConversation(t *testing.T) {
	store := newMockStore()
	main := newMain(&mockLLM{stream: frames("resposta")}, &mockTranscriber{}, store)

	res := sendMessage(t, main, `{"message":"um"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := main.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if n := main.LiveConversations(); n != 0 {
		t.Fatalf("live conversations = %d, want 0 after the answer settled", n)
	}

	// The next message restores the conversation from the store.
	sendMessage(t, main, `{"message":"dois","conversation_id":"`+res.ConversationID+`"}`)
	if err := main.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := len(store.savedMessages(res.ConversationID)); got != 5 {
		t.Errorf("saved %d messages, want 5", got)
	}
	if n := main.LiveConversations(); n != 0 {
		t.Errorf("live conversations = %d, want 0", n)
	}
}

func TestMainWait(t *testing.T) {
	llm := &mockLLM{stream: frames("ok"), release: make(chan struct{})}
	store := newMockStore()
	main := newMain(llm, &mockTranscriber{}, store)

	res := sendMessage(t, main, `{"message":"oi"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := main.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() error = %v, want %v", err, context.DeadlineExceeded)
	}

	close(llm.release)
	if err := main.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := len(store.savedMessages(res.ConversationID)); got != 3 {
		t.Errorf("saved %d messages, want 3 once Wait returns", got)
	}
}

func TestHandleSSE(t *testing.T) {
	reply := `{"message":"Que tal **omelete**?"}`
	store := newMockStore()
	main := newMain(&mockLLM{stream: frames(reply[:15], reply[15:])}, &mockTranscriber{}, store)

	res := sendMessage(t, main, `{"message":"Tenho ovos"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := main.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ts := httptest.NewServer(http.HandlerFunc(main.HandleSSE))
	defer ts.Close()

	// Reconnecting after the first event replays the rest of the conversation.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse?conversation_id="+res.ConversationID, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Last-Event-ID", "0")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	var gotAnswer, gotSettled bool
	for e, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			t.Fatalf("sse.Read() error = %v", err)
		}

		switch e.Type {
		case "message":
			var snapshot struct {
				ConversationID string             `json:"conversation_id"`
				Message        models.ChatMessage `json:"message"`
				HTML           string             `json:"html"`
			}
			if err := json.Unmarshal([]byte(e.Data), &snapshot); err != nil {
				t.Fatalf("message event data = %q: %v", e.Data, err)
			}
			if snapshot.ConversationID != res.ConversationID {
				t.Errorf("snapshot conversation = %q, want %q", snapshot.ConversationID, res.ConversationID)
			}
			if snapshot.Message.Role == models.RoleAssistant && snapshot.Message.Content == "Que tal **omelete**?" {
				if !strings.Contains(snapshot.HTML, "<strong>omelete</strong>") {
					t.Errorf("snapshot html = %q", snapshot.HTML)
				}
				gotAnswer = true
			}
		case "settled":
			if !gotAnswer {
				t.Fatal("settled event arrived before the final answer")
			}
			if e.Data != res.ConversationID {
				t.Errorf("settled data = %q, want %q", e.Data, res.ConversationID)
			}
			gotSettled = true
		}
		if gotSettled {
			break
		}
	}

	if !gotSettled {
		t.Error("stream ended without a settled event")
	}
}

func TestHandleSendMessageErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{name: "Invalid body", body: "[", wantStatus: http.StatusBadRequest},
		{name: "Blank message", body: `{"message":"   "}`, wantStatus: http.StatusBadRequest},
		{name: "Unknown conversation", body: `{"message":"oi","conversation_id":"nope"}`, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main := newMain(&mockLLM{}, &mockTranscriber{}, newMockStore())

			w := httptest.NewRecorder()
			main.HandleSendMessage(w, httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Errorf("HandleSendMessage() status = %v, want %v", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleConversations(t *testing.T) {
	store := newMockStore()
	store.convs = []models.Conversation{{ID: "1", Title: "Bolo"}}
	store.messages["1"] = []models.ChatMessage{{ID: "m1", Role: models.RoleUser, Content: "Quero bolo"}}

	main := newMain(&mockLLM{}, &mockTranscriber{}, store)

	r := chi.NewRouter()
	r.Get("/conversations", main.HandleConversations)
	r.Get("/conversations/{id}", main.HandleConversation)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "List",
			url:        "/conversations",
			wantStatus: http.StatusOK,
			wantBody:   `"title":"Bolo"`,
		},
		{
			name:       "Detail",
			url:        "/conversations/1",
			wantStatus: http.StatusOK,
			wantBody:   "Quero bolo",
		},
		{
			name:       "Unknown",
			url:        "/conversations/2",
			wantStatus: http.StatusNotFound,
			wantBody:   "Conversation not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v", w.Code, tt.wantStatus)
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := handlers.NewRateLimiter(1, 2)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d status = %v, want %v", i, codes[i], want[i])
		}
	}

	// Forwarding headers do not buy a fresh budget.
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "10.0.0.1:5001"
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("X-Real-IP", "203.0.113.8")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("spoofed client status = %v, want %v", w.Code, http.StatusTooManyRequests)
	}

	// Other clients keep their own budget.
	req = httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %v, want %v", w.Code, http.StatusOK)
	}
}

type sendResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// sendMessage posts body to HandleSendMessage, retrying while the previous answer is still settling.
func sendMessage(t *testing.T, main handlers.Main, body string) sendResponse {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		w := httptest.NewRecorder()
		main.HandleSendMessage(w, httptest.NewRequest(http.MethodPost, "/conversations", strings.NewReader(body)))

		if w.Code == http.StatusConflict && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if w.Code != http.StatusAccepted {
			t.Fatalf("HandleSendMessage() status = %v, want %v: %s", w.Code, http.StatusAccepted, w.Body.String())
		}

		var res sendResponse
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatal(err)
		}
		return res
	}
}

func waitSaved(t *testing.T, store *mockStore, conversationID string) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case id := <-store.saved:
			if id == conversationID {
				return
			}
		case <-timeout:
			t.Fatalf("conversation %s was not saved", conversationID)
		}
	}
}

func (b blockingReader) Read(p []byte) (int, error) {
	<-b.release
	return b.r.Read(p)
}

func (m *mockLLM) Open(_ context.Context, _ models.ChatRequest) (io.ReadCloser, error) {
	if m.err != nil {
		return nil, m.err
	}
	var r io.Reader = strings.NewReader(m.stream)
	if m.release != nil {
		r = blockingReader{r: r, release: m.release}
	}
	return io.NopCloser(r), nil
}

func (m *mockLLM) Complete(_ context.Context, req models.CompletionRequest) (string, error) {
	m.mu.Lock()
	m.completions = append(m.completions, req)
	m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	return m.output, nil
}

func (m *mockTranscriber) Transcribe(_ context.Context, audio io.Reader, filename string) (string, error) {
	m.filename = filename
	m.audio, _ = io.ReadAll(audio)
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

func (m *mockStore) Conversations(context.Context) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return m.convs, nil
}

func (m *mockStore) Conversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return models.Conversation{}, m.err
	}
	for _, c := range m.convs {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Conversation{}, models.ErrNotFound
}

func (m *mockStore) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	m.convs = append(m.convs, conv)
	return conv.ID, nil
}

func (m *mockStore) UpdateConversation(_ context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.convs {
		if c.ID == conv.ID {
			m.convs[i] = conv
		}
	}
	return m.err
}

func (m *mockStore) Messages(_ context.Context, conversationID string) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return m.messages[conversationID], nil
}

func (m *mockStore) SaveMessages(_ context.Context, conversationID string, messages []models.ChatMessage) error {
	m.mu.Lock()
	m.messages[conversationID] = messages
	m.mu.Unlock()

	m.saved <- conversationID
	return m.err
}

func (m *mockStore) savedMessages(conversationID string) []models.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[conversationID]
}

func (m *mockStore) conversation(id string) models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.ID == id {
			return c
		}
	}
	return models.Conversation{}
}

func (s *slowStore) SaveMessages(ctx context.Context, conversationID string, messages []models.ChatMessage) error {
	s.once.Do(func() {
		time.Sleep(s.delay)
	})
	return s.mockStore.SaveMessages(ctx, conversationID, messages)
}
