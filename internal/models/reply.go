package models

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Reply is the display projection of the assistant text accumulated so far.
type Reply struct {
	Message           string
	Recipes           []RecipeSuggestion
	NeedsConfirmation []string
}

const (
	defaultSuggestionPrepTime = 30
	defaultSuggestionServings = 4

	defaultRecipeTitle    = "Receita sem nome"
	defaultRecipePrepTime = 30
	defaultRecipeServings = 2
)

// ParseReply projects possibly-partial assistant text into a Reply. It is called after every streamed
// delta with the whole text received so far, so it keeps no state: while the embedded JSON payload is
// incomplete the text is returned verbatim, and recipe cards appear at once when the payload becomes
// syntactically complete.
//
// The payload is located with a greedy span from the first '{' to the last '}', so braces in the
// surrounding prose can make extraction fail; the fallback is then the plain text.
func ParseReply(text string) Reply {
	fallback := Reply{Message: text}

	span, ok := JSONSpan(text)
	if !ok {
		return fallback
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return fallback
	}

	message, _ := raw["message"].(string)
	if message == "" {
		return fallback
	}

	reply := Reply{
		Message:           message,
		NeedsConfirmation: stringsField(raw["needsConfirmation"]),
	}

	if items, ok := raw["recipes"].([]any); ok {
		reply.Recipes = make([]RecipeSuggestion, 0, len(items))
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			reply.Recipes = append(reply.Recipes, suggestionFromMap(obj))
		}
	}

	return reply
}

// JSONSpan returns the text between the first '{' and the last '}' inclusive.
func JSONSpan(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// StripCodeFence removes a surrounding markdown code fence (```json ... ```) from model output.
func StripCodeFence(text string) string {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseRecipeJSON decodes a recipe extracted by the LLM, filling the fields the model left out.
func ParseRecipeJSON(text string) (ParsedRecipe, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(StripCodeFence(text)), &raw); err != nil {
		return ParsedRecipe{}, err
	}
	if raw == nil {
		return ParsedRecipe{}, errors.New("recipe is not a json object")
	}

	recipe := ParsedRecipe{
		Title:       stringField(raw["title"]),
		Description: stringField(raw["description"]),
		Ingredients: ingredientsField(raw["ingredients"]),
		Steps:       stringsField(raw["steps"]),
		PrepTime:    intField(raw["prepTime"], defaultRecipePrepTime),
		Servings:    intField(raw["servings"], defaultRecipeServings),
		Difficulty:  difficultyField(raw["difficulty"], DifficultyMedium),
		Tags:        stringsField(raw["tags"]),
	}
	if recipe.Title == "" {
		recipe.Title = defaultRecipeTitle
	}
	if recipe.Ingredients == nil {
		recipe.Ingredients = []RecipeIngredient{}
	}
	if recipe.Steps == nil {
		recipe.Steps = []string{}
	}
	if recipe.Tags == nil {
		recipe.Tags = []string{}
	}
	return recipe, nil
}

// ParseShoppingItems extracts shopping items from the LLM output. When the output holds no JSON object
// the result is empty; when the object is malformed the original message becomes a single item.
func ParseShoppingItems(output, message string) []ShoppingItem {
	items := []ShoppingItem{}

	span, ok := JSONSpan(output)
	if !ok {
		return items
	}

	fallback := []ShoppingItem{{Name: strings.TrimSpace(message), Category: CategoryOther}}

	var raw map[string]any
	if err := json.Unmarshal([]byte(span), &raw); err != nil {
		return fallback
	}
	list, ok := raw["items"].([]any)
	if !ok {
		return fallback
	}

	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		item := ShoppingItem{
			Name:     stringField(obj["name"]),
			Category: stringField(obj["category"]),
		}
		if item.Name == "" {
			continue
		}
		if q := stringField(obj["quantity"]); q != "" {
			item.Quantity = &q
		}
		if item.Category == "" {
			item.Category = CategoryOther
		}
		items = append(items, item)
	}
	return items
}

func suggestionFromMap(obj map[string]any) RecipeSuggestion {
	tags := stringsField(obj["tags"])
	if tags == nil {
		tags = []string{}
	}
	return RecipeSuggestion{
		ID:          stringField(obj["id"]),
		Title:       stringField(obj["title"]),
		Description: stringField(obj["description"]),
		PrepTime:    intField(obj["prepTime"], defaultSuggestionPrepTime),
		Servings:    intField(obj["servings"], defaultSuggestionServings),
		Difficulty:  difficultyField(obj["difficulty"], DifficultyEasy),
		Tags:        tags,
		ShortReason: stringField(obj["shortReason"]),
		Ingredients: ingredientsField(obj["ingredients"]),
		Steps:       stringsField(obj["steps"]),
	}
}

func ingredientsField(v any) []RecipeIngredient {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	ingredients := make([]RecipeIngredient, 0, len(list))
	for _, entry := range list {
		switch e := entry.(type) {
		case string:
			ingredients = append(ingredients, RecipeIngredient{Name: e})
		case map[string]any:
			fromUser, _ := e["fromUser"].(bool)
			ingredients = append(ingredients, RecipeIngredient{
				Name:     stringField(e["name"]),
				Quantity: stringField(e["quantity"]),
				Unit:     stringField(e["unit"]),
				FromUser: fromUser,
			})
		}
	}
	return ingredients
}

func difficultyField(v any, def Difficulty) Difficulty {
	s, _ := v.(string)
	if d := Difficulty(s); d.Valid() {
		return d
	}
	return def
}

func stringField(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func stringsField(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intField(v any, def int) int {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n > math.MaxInt32 || n < math.MinInt32 {
			return def
		}
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}
