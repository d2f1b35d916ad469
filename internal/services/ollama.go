package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/stream"
	"github.com/ollama/ollama/api"
)

// Ollama provides an implementation of the LLM interface for interacting with Ollama's language models.
// It manages connections to an Ollama server instance and re-encodes its streaming chat responses as
// chat-completion events, so callers read the same stream shape as from the gateway.
type Ollama struct {
	host    string
	model   string
	prompts Prompts

	client *api.Client

	logger *slog.Logger
}

var errRemoteImage = errors.New("ollama only accepts inline images")

// NewOllama creates a new Ollama instance with the specified host URL and model name. The host
// parameter should be a valid URL pointing to an Ollama server. If the provided host URL is invalid,
// the function will panic.
func NewOllama(host, model string, prompts Prompts, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:    host,
		model:   model,
		prompts: prompts,
		client:  api.NewClient(u, &http.Client{}),
		logger:  logger.With(slog.String("module", "ollama")),
	}
}

type ollamaBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b ollamaBody) Close() error {
	b.cancel()
	return b.PipeReader.Close()
}

// Open starts a streaming chat with the Ollama model. It blocks until the model produced its first
// response, so a failing request is reported here rather than through the stream.
func (o Ollama) Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		msgs = append(msgs, ollamaMessage(msg))
	}
	msgs = slices.Insert(msgs, 0, api.Message{
		Role:    "system",
		Content: o.prompts.ChatSystem(req.UserPreferences),
	})

	t := true
	chatReq := api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &t,
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	ready := make(chan error, 1)
	var once sync.Once
	signal := func(err error) {
		once.Do(func() { ready <- err })
	}

	go func() {
		err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			signal(nil)
			if res.Message.Content == "" {
				return nil
			}
			_, err := pw.Write(stream.Frame(res.Message.Content))
			return err
		})
		if err != nil {
			err = ollamaError(err)
			o.logger.Error("Chat failed", slog.String(errLoggerKey, err.Error()))
			signal(err)
			pw.CloseWithError(err)
			return
		}
		signal(nil)
		if _, err := pw.Write(stream.Done); err != nil {
			return
		}
		pw.Close()
	}()

	if err := <-ready; err != nil {
		cancel()
		return nil, err
	}
	return ollamaBody{PipeReader: pr, cancel: cancel}, nil
}

// Complete runs a single-shot completion for req.Task and returns the raw model output.
func (o Ollama) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	system, user, err := o.prompts.completion(req)
	if err != nil {
		return "", err
	}

	um := api.Message{Role: "user", Content: user}
	if req.Task == models.TaskRecipeFromImage {
		img, err := decodeDataURL(req.ImageURL)
		if err != nil {
			return "", err
		}
		um.Images = []api.ImageData{img}
	}

	f := false
	chatReq := api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			um,
		},
		Stream: &f,
	}
	if req.Task == models.TaskShoppingItems {
		chatReq.Options = map[string]any{"temperature": shoppingTemperature}
	}

	var output string

	if err := o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
		output += res.Message.Content
		return nil
	}); err != nil {
		return "", ollamaError(err)
	}

	return output, nil
}

func ollamaMessage(msg models.HistoryMessage) api.Message {
	m := api.Message{Role: string(msg.Role), Content: msg.Content}
	ref, ok := models.ImageReference(msg.Content)
	if !ok {
		return m
	}
	m.Content = imageMessageText
	if img, err := decodeDataURL(ref); err == nil {
		m.Images = []api.ImageData{img}
	}
	return m
}

// decodeDataURL returns the payload of a base64 data URL.
func decodeDataURL(ref string) ([]byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return nil, errRemoteImage
	}
	_, payload, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, errors.New("invalid data url")
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return b, nil
}

func ollamaError(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return &models.StatusError{Code: se.StatusCode, Body: se.ErrorMessage}
	}
	return fmt.Errorf("error sending request: %w", err)
}
