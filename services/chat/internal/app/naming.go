package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"threadstream/pkg/accumulator"
	"threadstream/pkg/ai"
	"threadstream/pkg/credentials"
	"threadstream/pkg/domain"
	"threadstream/pkg/store"
)

const (
	namingTimeout  = 20 * time.Second
	titleMaxRunes  = 48
	titleMaxTokens = 32
	titlePrompt    = "Write a short title (at most six words) for a conversation that starts with the user's message. Reply with the title only, no quotes."
)

var titlePrefixes = []string{
	"can you please", "could you please", "can you", "could you", "would you",
	"please", "help me", "i want to know", "i'd like to know", "i want to",
	"tell me about", "tell me", "what about", "about", "hey", "hi",
}

// nameThread titles a new thread. Failures are logged and leave the default
// title in place.
func (a *App) nameThread(ctx context.Context, threadID string, settings []credentials.ProviderSetting, parts []domain.Part, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, namingTimeout)
	defer cancel()

	text := domain.PlainText(parts)
	title := ""
	if a.titleModelID != "" {
		generated, err := a.modelTitle(ctx, settings, text)
		if err != nil {
			logger.Warn("title model failed; using heuristic title", "err", err)
		}
		title = generated
	}
	if title == "" {
		title = generateThreadTitle(text)
	}
	if title == store.DefaultThreadTitle {
		return
	}
	if err := a.store.UpdateThreadTitle(ctx, threadID, title); err != nil {
		logger.Warn("update thread title failed", "err", err)
	}
}

func (a *App) modelTitle(ctx context.Context, settings []credentials.ProviderSetting, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	resolved, err := a.registry.Resolve(ctx, a.registry.Snapshot(settings), a.titleModelID)
	if err != nil {
		return "", err
	}
	if resolved.IsImage() {
		return "", errors.New("title model cannot generate text")
	}
	events, err := resolved.Text.Stream(ctx, ai.Request{
		System:          titlePrompt,
		Messages:        []ai.Message{{Role: string(domain.RoleUser), Content: text}},
		MaxOutputTokens: titleMaxTokens,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ev := range events {
		switch e := ev.(type) {
		case ai.TextDelta:
			sb.WriteString(e.Text)
		case ai.Error:
			return "", errors.New(accumulator.ErrorMessage(e.Err))
		}
	}
	return cleanTitle(sb.String()), nil
}

func cleanTitle(raw string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	line = strings.Trim(strings.TrimSpace(line), "\"'`*#")
	line = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
	return truncateTitle(line)
}

func generateThreadTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return store.DefaultThreadTitle
	}
	lower := strings.ToLower(text)
	for _, prefix := range titlePrefixes {
		if strings.HasPrefix(lower, prefix+" ") || strings.HasPrefix(lower, prefix+",") {
			text = strings.TrimLeft(text[len(prefix):], " ,")
			break
		}
	}
	text = strings.TrimRight(text, "?!. ")
	if text == "" {
		return store.DefaultThreadTitle
	}
	runes := []rune(text)
	runes[0] = unicode.ToUpper(runes[0])
	return truncateTitle(string(runes))
}

func truncateTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	cut := string(runes[:titleMaxRunes])
	if i := strings.LastIndex(cut, " "); i > titleMaxRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}
