package app

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultChatTitle  = "New chat"
	titleMaxRunes     = 80
	titleSystemPrompt = `Generate a short title from the first message a user begins a conversation with.
Keep it under 80 characters. Summarize, do not quote. No quotation marks, no colons.`
)

// synthesizeTitle asks the model for a short chat title and falls back to a
// truncation of the message text when the model is unavailable.
func (a *App) synthesizeTitle(ctx context.Context, firstMessage string) string {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return defaultChatTitle
	}
	if a.titler != nil {
		titleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		title, err := a.titler.GenerateText(titleCtx, titleSystemPrompt, firstMessage)
		if err == nil {
			if title = sanitizeTitle(title); title != "" {
				return title
			}
		} else {
			slog.Warn("title generation failed", "error", err)
		}
	}
	return truncateTitle(firstMessage)
}

func sanitizeTitle(title string) string {
	title = strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
	title = strings.Trim(title, `"'`)
	return truncateTitle(title)
}

func truncateTitle(text string) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return defaultChatTitle
	}
	runes := []rune(text)
	if len(runes) > titleMaxRunes {
		return strings.TrimSpace(string(runes[:titleMaxRunes])) + "…"
	}
	return text
}
