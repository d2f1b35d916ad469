package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
)

// statusMessages maps upstream status codes to the message returned to the client with the same
// status.
type statusMessages map[int]string

var (
	chatStatusMessages = statusMessages{
		http.StatusTooManyRequests: "Muitas requisições. Aguarde um momento.",
		http.StatusPaymentRequired: "Créditos de IA esgotados.",
	}
	parseStatusMessages = statusMessages{
		http.StatusTooManyRequests: "Rate limit exceeded. Please try again later.",
		http.StatusPaymentRequired: "Payment required. Please add credits.",
	}
)

const proxyBufferSize = 4096

// HandleChat streams the assistant answer for a conversation history. The request body is a
// models.ChatRequest; the response is the provider's chat-completion event stream, flushed to the
// client chunk by chunk.
func (m Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "Messages are required")
		return
	}

	m.logger.Debug("Chat request", slog.Int("messages", len(req.Messages)),
		slog.Bool("preferences", req.UserPreferences != nil))

	body, err := m.llm.Open(r.Context(), req)
	if err != nil {
		m.logger.Error("Failed to open chat stream", slog.String(errLoggerKey, err.Error()))
		writeUpstreamError(w, err, chatStatusMessages, "AI service error")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, proxyBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				m.logger.Warn("Client went away", slog.String(errLoggerKey, werr.Error()))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Error("Chat stream failed", slog.String(errLoggerKey, err.Error()))
			}
			return
		}
	}
}

// writeUpstreamError answers with the mapped message when err carries a known upstream status, and
// with 500 otherwise. prefix names the failing service in the fallback message.
func writeUpstreamError(w http.ResponseWriter, err error, msgs statusMessages, prefix string) {
	var se *models.StatusError
	if errors.As(err, &se) {
		if msg, ok := msgs[se.Code]; ok {
			writeError(w, se.Code, msg)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %d", prefix, se.Code))
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
