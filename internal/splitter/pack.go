package splitter

import "strings"

// Pack greedily groups texts into chunks of at most maxTokens, joined by
// sep. A single text larger than maxTokens is truncated to fit.
func Pack(texts []string, maxTokens int, sep string, counter *TokenCounter) []string {
	if maxTokens <= 0 {
		return []string{strings.Join(texts, sep)}
	}
	sepTokens := counter.Count(sep)

	var chunks []string
	var current []string
	currentTokens := 0

	for _, text := range texts {
		tokens := counter.Count(text)

		// Check if adding this text would exceed the budget
		extra := tokens
		if len(current) > 0 {
			extra += sepTokens
		}
		if currentTokens+extra > maxTokens && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, sep))
			current = nil
			currentTokens = 0
			extra = tokens
		}

		// Handle oversized single text
		if tokens > maxTokens {
			chunks = append(chunks, Truncate(text, maxTokens, counter))
			continue
		}

		current = append(current, text)
		currentTokens += extra
	}

	// Don't forget the last chunk
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, sep))
	}
	return chunks
}

// Truncate shortens text to at most maxTokens, cutting at a word boundary
// when possible.
func Truncate(text string, maxTokens int, counter *TokenCounter) string {
	if counter.Count(text) <= maxTokens {
		return text
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(text[:mid]) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := text[:lo]
	if i := strings.LastIndexAny(cut, " \n\t"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.ToValidUTF8(cut, "")
}
