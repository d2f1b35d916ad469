package cozinhai

import "embed"

// PromptFS contains the system prompts sent to the LLM gateway. Each file under prompts/ holds the
// full instruction text for one endpoint and is read once at startup.
//
//go:embed prompts/*
var PromptFS embed.FS
