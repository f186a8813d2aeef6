package engine

import "strings"

// reasoningDelimiter ends the hidden deliberation block that
// reasoning-capable models emit before their actual answer.
const reasoningDelimiter = "</think>"

// StripReasoning drops everything up to and including the last
// end-of-reasoning delimiter, keeping only the remainder. Text without a
// delimiter passes through untouched apart from trimming.
func StripReasoning(text string) string {
	if idx := strings.LastIndex(text, reasoningDelimiter); idx >= 0 {
		text = text[idx+len(reasoningDelimiter):]
	}
	return strings.TrimSpace(text)
}

// Chunk splits text into delivery-sized pieces of at most size runes,
// preserving order. Splits prefer the last line break, then the last
// space, inside the window so words survive intact where possible.
// Empty input yields no chunks.
func Chunk(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > size {
		cut := size
		if idx := lastBreak(runes[:size]); idx > 0 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = []rune(strings.TrimSpace(string(runes[cut:])))
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastBreak(window []rune) int {
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == '\n' {
			return i
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return -1
}
