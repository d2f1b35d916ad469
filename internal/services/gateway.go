package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Gateway provides an implementation of the LLM interface for an OpenAI-compatible LLM gateway.
// Chat completions are streamed over plain HTTP so the event stream can be handed to callers
// untouched; single-shot completions go through the go-openai client.
type Gateway struct {
	apiKey  string
	baseURL string
	models  GatewayModels
	prompts Prompts

	httpClient *http.Client
	client     *goopenai.Client

	logger *slog.Logger
}

// GatewayModels names the model used for each kind of request.
type GatewayModels struct {
	Chat     string
	Recipe   string
	Shopping string
}

type gatewayChatRequest struct {
	Model    string           `json:"model"`
	Messages []gatewayMessage `json:"messages"`
	Stream   bool             `json:"stream"`
}

type gatewayMessage struct {
	Role string `json:"role"`
	// Content is either a string or a slice of gatewayContentPart.
	Content any `json:"content"`
}

type gatewayContentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *gatewayImageURL `json:"image_url,omitempty"`
}

type gatewayImageURL struct {
	URL string `json:"url"`
}

const (
	// DefaultGatewayURL is the base URL of the hosted LLM gateway.
	DefaultGatewayURL = "https://ai.gateway.lovable.dev/v1"

	imageMessageText = "Quais receitas posso fazer com os ingredientes desta foto?"

	shoppingTemperature = 0.1
)

// NewGateway creates a new Gateway instance talking to baseURL with the given API key.
func NewGateway(baseURL, apiKey string, models GatewayModels, prompts Prompts, logger *slog.Logger) Gateway {
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return Gateway{
		apiKey:     apiKey,
		baseURL:    baseURL,
		models:     models,
		prompts:    prompts,
		httpClient: &http.Client{},
		client:     goopenai.NewClientWithConfig(cfg),
		logger:     logger.With(slog.String("module", "gateway")),
	}
}

// Open sends the conversation, prefixed with the chat system prompt, and returns the event stream of
// the completion. A non-200 answer is returned as *models.StatusError.
func (g Gateway) Open(ctx context.Context, req models.ChatRequest) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "gateway.open", trace.WithAttributes(
		attribute.String("model", g.models.Chat),
		attribute.Int("messages", len(req.Messages)),
	))
	defer span.End()

	msgs := make([]gatewayMessage, 0, len(req.Messages)+1)
	msgs = append(msgs, gatewayMessage{
		Role:    "system",
		Content: g.prompts.ChatSystem(req.UserPreferences),
	})
	for _, msg := range req.Messages {
		msgs = append(msgs, newGatewayMessage(msg))
	}

	jsonBody, err := json.Marshal(gatewayChatRequest{
		Model:    g.models.Chat,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	g.logger.Debug("Sending request to AI Gateway", slog.Int("messages", len(msgs)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		err := &models.StatusError{Code: resp.StatusCode, Body: string(body)}
		g.logger.Error("AI Gateway error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(body)))
		recordError(span, err)
		return nil, err
	}

	return resp.Body, nil
}

// Complete runs a single-shot completion for req.Task and returns the raw model output.
func (g Gateway) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	system, user, err := g.prompts.completion(req)
	if err != nil {
		return "", err
	}

	ctx, span := tracer.Start(ctx, "gateway.complete", trace.WithAttributes(
		attribute.String("task", string(req.Task)),
	))
	defer span.End()

	um := goopenai.ChatCompletionMessage{
		Role:    goopenai.ChatMessageRoleUser,
		Content: user,
	}
	if req.Task == models.TaskRecipeFromImage {
		um = goopenai.ChatCompletionMessage{
			Role: goopenai.ChatMessageRoleUser,
			MultiContent: []goopenai.ChatMessagePart{
				{Type: goopenai.ChatMessagePartTypeText, Text: user},
				{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{URL: req.ImageURL}},
			},
		}
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model: g.taskModel(req.Task),
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: system},
			um,
		},
	}
	if req.Task == models.TaskShoppingItems {
		chatReq.Temperature = shoppingTemperature
	}

	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		err = upstreamError(err)
		g.logger.Error("AI Gateway error",
			slog.String("task", string(req.Task)),
			slog.String(errLoggerKey, err.Error()))
		recordError(span, err)
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no choices found")
	}

	return resp.Choices[0].Message.Content, nil
}

func (g Gateway) taskModel(task models.Task) string {
	switch task {
	case models.TaskShoppingItems:
		return g.models.Shopping
	default:
		return g.models.Recipe
	}
}

// newGatewayMessage turns a history entry into a gateway message. User messages holding an image
// reference are sent as a multimodal message.
func newGatewayMessage(msg models.HistoryMessage) gatewayMessage {
	ref, ok := models.ImageReference(msg.Content)
	if !ok || msg.Role != models.RoleUser {
		return gatewayMessage{Role: string(msg.Role), Content: msg.Content}
	}
	return gatewayMessage{
		Role: string(msg.Role),
		Content: []gatewayContentPart{
			{Type: "text", Text: imageMessageText},
			{Type: "image_url", ImageURL: &gatewayImageURL{URL: ref}},
		},
	}
}

// upstreamError converts go-openai errors carrying an HTTP status into *models.StatusError.
func upstreamError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &models.StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &models.StatusError{Code: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}
	return fmt.Errorf("error sending request: %w", err)
}
