package services

import (
	"context"
	"errors"
	"io"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Whisper transcribes recorded audio with the OpenAI transcription API.
type Whisper struct {
	apiKey   string
	model    string
	language string

	client *goopenai.Client

	logger *slog.Logger
}

var errNoTranscriptionKey = errors.New("OPENAI_API_KEY not configured")

const (
	// DefaultTranscriptionURL is the base URL of the OpenAI API.
	DefaultTranscriptionURL = "https://api.openai.com/v1"
	// DefaultTranscriptionModel is the speech-to-text model.
	DefaultTranscriptionModel = goopenai.Whisper1
)

// NewWhisper creates a new Whisper instance. language is an ISO-639-1 code hinting the spoken
// language.
func NewWhisper(baseURL, apiKey, model, language string, logger *slog.Logger) Whisper {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return Whisper{
		apiKey:   apiKey,
		model:    model,
		language: language,
		client:   goopenai.NewClientWithConfig(cfg),
		logger:   logger.With(slog.String("module", "whisper")),
	}
}

// Transcribe returns the text spoken in audio. filename must carry an extension matching the audio
// format. Upstream failures with an HTTP status are returned as *models.StatusError.
func (w Whisper) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if w.apiKey == "" {
		return "", errNoTranscriptionKey
	}

	ctx, span := tracer.Start(ctx, "whisper.transcribe", trace.WithAttributes(
		attribute.String("file", filename),
	))
	defer span.End()

	resp, err := w.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    w.model,
		FilePath: filename,
		Reader:   audio,
		Language: w.language,
	})
	if err != nil {
		err = upstreamError(err)
		w.logger.Error("Transcription failed", slog.String(errLoggerKey, err.Error()))
		recordError(span, err)
		return "", err
	}

	w.logger.Debug("Transcription result", slog.String("text", resp.Text))
	return resp.Text, nil
}
