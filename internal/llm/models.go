package llm

// MaxResponseLength is the maximum length for a reply in characters.
// Telegram accepts 4096 characters per message; the rest is headroom for
// the advisor prefix and Markdown escaping.
const MaxResponseLength = 3500

// FallbackMessage is appended when a reply is truncated
const FallbackMessage = "\n\n...[ответ обрезан из-за превышения лимита]"

// maxRetries is how many times a transient failure is retried
const maxRetries = 3

// truncate cuts text to MaxResponseLength runes, marking the cut
func truncate(text string) (string, bool) {
	runes := []rune(text)
	if len(runes) <= MaxResponseLength {
		return text, false
	}

	fallback := []rune(FallbackMessage)
	keep := MaxResponseLength - len(fallback)
	if keep < 100 {
		return string(runes[:MaxResponseLength]), true
	}
	return string(runes[:keep]) + FallbackMessage, true
}
