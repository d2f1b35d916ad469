package models

// Difficulty is the effort level of a recipe.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "facil"
	DifficultyMedium Difficulty = "medio"
	DifficultyHard   Difficulty = "dificil"
)

// Valid reports whether d is one of the known difficulty levels.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// RecipeSuggestion is a recipe card proposed by the assistant. Suggestions are produced only by
// parsing assistant output and are replaced wholesale by newer parses.
type RecipeSuggestion struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	PrepTime    int                `json:"prepTime"`
	Servings    int                `json:"servings"`
	Difficulty  Difficulty         `json:"difficulty"`
	Tags        []string           `json:"tags"`
	ShortReason string             `json:"shortReason,omitempty"`
	Ingredients []RecipeIngredient `json:"ingredients,omitempty"`
	Steps       []string           `json:"steps,omitempty"`
}

// RecipeIngredient is one ingredient line of a recipe.
type RecipeIngredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	// FromUser is true when the user said they have the ingredient.
	FromUser bool `json:"fromUser"`
}

// ParsedRecipe is a full recipe extracted from a photo or a dictated transcript.
type ParsedRecipe struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Ingredients []RecipeIngredient `json:"ingredients"`
	Steps       []string           `json:"steps"`
	PrepTime    int                `json:"prepTime"`
	Servings    int                `json:"servings"`
	Difficulty  Difficulty         `json:"difficulty"`
	Tags        []string           `json:"tags"`
}

// ShoppingItem is a shopping-list entry extracted from free text.
type ShoppingItem struct {
	Name     string  `json:"name"`
	Quantity *string `json:"quantity"`
	Category string  `json:"category"`
}

// CategoryOther is the category used when the model gives none.
const CategoryOther = "Outros"

// ShoppingCategories lists the supermarket sections items are grouped into.
var ShoppingCategories = []string{
	"Bebidas",
	"Frutas",
	"Verduras e Legumes",
	"Carnes",
	"Laticínios",
	"Grãos e Cereais",
	"Limpeza",
	"Higiene Pessoal",
	"Padaria",
	"Frios",
	"Congelados",
	"Temperos e Ervas",
	CategoryOther,
}

// Task selects the prompt and model a single-shot completion runs with.
type Task string

const (
	// TaskRecipeFromImage extracts a recipe from a photo (OCR).
	TaskRecipeFromImage Task = "recipe_image"
	// TaskRecipeFromText organizes a dictated transcript into a recipe.
	TaskRecipeFromText Task = "recipe_text"
	// TaskShoppingItems extracts categorized shopping-list items.
	TaskShoppingItems Task = "shopping_items"
)

// CompletionRequest is a non-streamed request to the LLM. ImageURL is only used by
// TaskRecipeFromImage.
type CompletionRequest struct {
	Task     Task
	Text     string
	ImageURL string
}
