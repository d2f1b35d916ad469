package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/assistant"
	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	"github.com/joho/godotenv"
)

const imageCommand = "/imagem "

func main() {
	_ = godotenv.Load()

	endpoint := flag.String("endpoint", "http://localhost:8080/chat", "chat endpoint URL")
	apiKey := flag.String("key", os.Getenv("COZINHAI_API_KEY"), "bearer token sent to the endpoint")
	restrictions := flag.String("restricoes", "", "comma separated dietary restrictions")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var opts []assistant.Option
	opts = append(opts, assistant.WithLogger(logger))
	if *restrictions != "" {
		opts = append(opts, assistant.WithPreferences(&models.UserPreferences{
			Restrictions: strings.Split(*restrictions, ","),
		}))
	}

	chat := assistant.NewChat(assistant.NewHTTPTransport(*endpoint, *apiKey), opts...)
	conv := assistant.NewConversation(models.WelcomeMessage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println(models.WelcomeMessage)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		if path, ok := strings.CutPrefix(text, imageCommand); ok {
			ref, err := imageDataURL(strings.TrimSpace(path))
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			text = models.ImageContent(ref)
		}

		err := chat.Send(ctx, conv, text)
		if errors.Is(err, context.Canceled) {
			return
		}

		reply, ok := lastReply(conv.Messages())
		if !ok {
			fmt.Println("\n(sem resposta)")
			fmt.Println()
			continue
		}
		printMessage(reply)
	}
}

// lastReply returns the last message when it was written by the assistant. An answer without any
// content leaves the user message last.
func lastReply(msgs []models.ChatMessage) (models.ChatMessage, bool) {
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != models.RoleAssistant {
		return models.ChatMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

func imageDataURL(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mime := http.DetectContentType(b)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mime)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(b)), nil
}

func printMessage(msg models.ChatMessage) {
	fmt.Println()
	fmt.Println(msg.Content)

	for i, r := range msg.Recipes {
		fmt.Printf("\n%d. %s (%d min, %d porções, %s)\n", i+1, r.Title, r.PrepTime, r.Servings, r.Difficulty)
		if r.Description != "" {
			fmt.Printf("   %s\n", r.Description)
		}
		for _, ing := range r.Ingredients {
			mark := " "
			if ing.FromUser {
				mark = "✓"
			}
			fmt.Printf("   [%s] %s %s %s\n", mark, ing.Quantity, ing.Unit, ing.Name)
		}
		for j, step := range r.Steps {
			fmt.Printf("   %d) %s\n", j+1, step)
		}
	}

	if len(msg.NeedsConfirmation) > 0 {
		fmt.Printf("\nVocê tem: %s?\n", strings.Join(msg.NeedsConfirmation, ", "))
	}
	fmt.Println()
}
