package services

import (
	"fmt"
	"io/fs"
	"strings"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
)

// Prompts holds the system prompts of every LLM call made by the service.
type Prompts struct {
	Chat               string
	ParseRecipe        string
	ParseShoppingItems string
}

const (
	recipeFromImageInstruction = "Extraia TODA a informação desta imagem de receita. Faça OCR completo e estruture " +
		"como receita no formato JSON especificado."
	recipeFromTextInstruction = "Organize esta transcrição de receita ditada no formato JSON especificado:\n\n"
)

// LoadPrompts reads the prompt files from fsys.
func LoadPrompts(fsys fs.FS) (Prompts, error) {
	files := map[string]*string{}
	var p Prompts
	files["prompts/chat.txt"] = &p.Chat
	files["prompts/parse_recipe.txt"] = &p.ParseRecipe
	files["prompts/parse_shopping_items.txt"] = &p.ParseShoppingItems

	for name, dst := range files {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return Prompts{}, fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		*dst = strings.TrimSpace(string(b))
	}
	return p, nil
}

// ChatSystem returns the chat system prompt, extended with the user preferences when present.
func (p Prompts) ChatSystem(prefs *models.UserPreferences) string {
	if prefs == nil {
		return p.Chat
	}

	var sb strings.Builder
	sb.WriteString(p.Chat)
	sb.WriteString("\n\nPREFERÊNCIAS DO USUÁRIO:\n")
	fmt.Fprintf(&sb, "- Velocidade: %s\n", joinOr(prefs.Speed, "qualquer"))
	fmt.Fprintf(&sb, "- Objetivos: %s\n", joinOr(prefs.Goals, "nenhum específico"))
	fmt.Fprintf(&sb, "- Restrições: %s\n", joinOr(prefs.Restrictions, "nenhuma"))
	fmt.Fprintf(&sb, "- Equipamentos: %s\n", joinOr(prefs.Equipment, "básico"))
	sb.WriteString("\nConsidere estas preferências ao sugerir receitas.")
	return sb.String()
}

// completion returns the system prompt and user text for a single-shot task.
func (p Prompts) completion(req models.CompletionRequest) (string, string, error) {
	switch req.Task {
	case models.TaskRecipeFromImage:
		return p.ParseRecipe, recipeFromImageInstruction, nil
	case models.TaskRecipeFromText:
		return p.ParseRecipe, recipeFromTextInstruction + req.Text, nil
	case models.TaskShoppingItems:
		return p.ParseShoppingItems, req.Text, nil
	}
	return "", "", fmt.Errorf("unknown task: %s", req.Task)
}

func joinOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	return strings.Join(values, ", ")
}
