package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
)

type transcribeRequest struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType"`
}

const defaultAudioMimeType = "audio/webm"

// HandleTranscribe transcribes a base64 encoded voice recording.
func (m Main) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode transcribe request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Audio == "" {
		writeError(w, http.StatusInternalServerError, "No audio data provided")
		return
	}
	if req.MimeType == "" {
		req.MimeType = defaultAudioMimeType
	}

	audio, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil {
		m.logger.Error("Failed to decode audio", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid audio data")
		return
	}

	m.logger.Info("Transcribing audio",
		slog.String("mimeType", req.MimeType),
		slog.Int("bytes", len(audio)))

	transcript, err := m.transcriber.Transcribe(r.Context(), bytes.NewReader(audio),
		"audio."+audioExtension(req.MimeType))
	if err != nil {
		m.logger.Error("Transcription failed", slog.String(errLoggerKey, err.Error()))
		writeTranscriptionError(w, err)
		return
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		writeError(w, http.StatusBadRequest, "Não foi possível identificar o áudio. Tente gravar novamente.")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"transcript": transcript})
}

// audioExtension picks the file extension the transcription API infers the format from.
func audioExtension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "mp4"), strings.Contains(mimeType, "m4a"):
		return "m4a"
	case strings.Contains(mimeType, "mp3"), strings.Contains(mimeType, "mpeg"):
		return "mp3"
	case strings.Contains(mimeType, "wav"):
		return "wav"
	case strings.Contains(mimeType, "ogg"):
		return "ogg"
	default:
		return "webm"
	}
}

func writeTranscriptionError(w http.ResponseWriter, err error) {
	var se *models.StatusError
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch {
	case se.Code == http.StatusTooManyRequests:
		writeError(w, se.Code, "Rate limit exceeded. Please try again later.")
	case se.Code == http.StatusUnauthorized:
		writeError(w, se.Code, "Invalid OpenAI API key.")
	case (se.Code == http.StatusPaymentRequired || se.Code == http.StatusBadRequest) &&
		(strings.Contains(se.Body, "quota") || strings.Contains(se.Body, "billing")):
		writeError(w, http.StatusPaymentRequired, "OpenAI quota exceeded. Please check your billing.")
	default:
		writeError(w, http.StatusInternalServerError,
			fmt.Sprintf("Transcription failed: %d - %s", se.Code, se.Body))
	}
}
