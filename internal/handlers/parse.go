package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
)

type parseRecipeRequest struct {
	Content string `json:"content"`
	// Type is "image" for a photo data URL; anything else is a dictated transcript.
	Type string `json:"type"`
}

type shoppingItemsResponse struct {
	Items []models.ShoppingItem `json:"items"`
	Error string                `json:"error,omitempty"`
}

const rawResponseLimit = 1000

// HandleParseRecipe extracts a structured recipe from a photo or a transcript.
func (m Main) HandleParseRecipe(w http.ResponseWriter, r *http.Request) {
	var req parseRecipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode parse-recipe request", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "Content is required")
		return
	}

	creq := models.CompletionRequest{Task: models.TaskRecipeFromText, Text: req.Content}
	if req.Type == "image" {
		creq = models.CompletionRequest{Task: models.TaskRecipeFromImage, ImageURL: req.Content}
	}

	m.logger.Info("Parsing recipe", slog.String("type", req.Type), slog.Int("length", len(req.Content)))

	output, err := m.llm.Complete(r.Context(), creq)
	if err != nil {
		m.logger.Error("Failed to parse recipe", slog.String(errLoggerKey, err.Error()))
		writeUpstreamError(w, err, parseStatusMessages, "AI Gateway error")
		return
	}

	recipe, err := models.ParseRecipeJSON(output)
	if err != nil {
		m.logger.Error("Failed to decode recipe",
			slog.String("output", output),
			slog.String(errLoggerKey, err.Error()))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":       "Could not parse recipe",
			"rawResponse": truncate(output, rawResponseLimit),
		})
		return
	}

	m.logger.Info("Parsed recipe", slog.String("title", recipe.Title))
	writeJSON(w, http.StatusOK, map[string]models.ParsedRecipe{"recipe": recipe})
}

// HandleParseShoppingItems splits a free-text shopping request into categorized items.
func (m Main) HandleParseShoppingItems(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		m.logger.Error("Failed to decode shopping request", slog.String(errLoggerKey, err.Error()))
	}
	message, ok := body["message"].(string)
	if !ok || message == "" {
		writeJSON(w, http.StatusBadRequest, shoppingItemsResponse{
			Items: []models.ShoppingItem{},
			Error: "Mensagem inválida",
		})
		return
	}

	output, err := m.llm.Complete(r.Context(), models.CompletionRequest{
		Task: models.TaskShoppingItems,
		Text: message,
	})
	if err != nil {
		m.logger.Error("Failed to parse shopping items", slog.String(errLoggerKey, err.Error()))
		detail := err.Error()
		var se *models.StatusError
		if errors.As(err, &se) {
			detail = fmt.Sprintf("AI service error: %d", se.Code)
		}
		writeJSON(w, http.StatusInternalServerError, shoppingItemsResponse{
			Items: []models.ShoppingItem{},
			Error: detail,
		})
		return
	}

	items := models.ParseShoppingItems(output, message)
	m.logger.Debug("Parsed shopping items", slog.Int("count", len(items)))
	writeJSON(w, http.StatusOK, shoppingItemsResponse{Items: items})
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
