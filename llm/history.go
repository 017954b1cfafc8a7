package llm

import (
	"strings"
	"unicode/utf8"
)

// TitlePrompt instructs a model to name a conversation.
const TitlePrompt = "Generate a short title (at most six words) for a conversation that starts with the user's message. " +
	"Reply with the title only, without quotes or punctuation at the end."

const maxTitleLen = 60

// CleanTitle normalizes a model-generated title, falling back to the start
// of the user's text when the model returned nothing usable.
func CleanTitle(title, fallback string) string {
	title = strings.TrimSpace(title)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, "\"'`*# ")
	title = strings.TrimRight(title, ".")
	if title == "" {
		title = strings.Join(strings.Fields(fallback), " ")
	}
	return truncate(title, maxTitleLen)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n-1])) + "…"
}

func discardIfNil(emit func(Event)) func(Event) {
	if emit == nil {
		return func(Event) {}
	}
	return emit
}
