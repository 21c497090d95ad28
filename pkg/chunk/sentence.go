package chunk

import (
	"regexp"
	"strings"
	"unicode"
)

var tableDelimRe = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

func isTableRow(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	return strings.Contains(trimmed, "|")
}

func endsSentence(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

// splitIntoSentences breaks text into sentences. Blank lines end a
// sentence, markdown tables stay whole, and lines without terminal
// punctuation are joined with the following line.
func splitIntoSentences(text string) []string {
	lines := strings.Split(text, "\n")
	var sentences []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	addLine := func(trimmed string) {
		for _, sentence := range splitLineIntoSentences(trimmed) {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)
			if endsSentence(sentence) {
				flush()
			}
		}
	}

	inTable := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if !inTable && isTableRow(line) && i+1 < len(lines) && tableDelimRe.MatchString(strings.TrimSpace(lines[i+1])) {
			flush()
			inTable = true
			current.WriteString(line)
			continue
		}

		if !inTable && isTableRow(line) {
			flush()
			sentences = append(sentences, trimmed)
			continue
		}

		if inTable {
			if trimmed == "" || !isTableRow(line) {
				inTable = false
				flush()
				if trimmed != "" {
					addLine(trimmed)
				}
			} else {
				current.WriteString("\n")
				current.WriteString(line)
			}
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}
		if isListItem(trimmed) {
			flush()
		}
		addLine(trimmed)
	}
	flush()

	var result []string
	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) != "" {
			result = append(result, sentence)
		}
	}
	return result
}

// bullet lines start a new sentence even when the previous line had no
// terminal punctuation
func isListItem(line string) bool {
	return strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") || strings.HasPrefix(line, "+ ")
}

func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])

		if line[i] != '.' && line[i] != '!' && line[i] != '?' {
			continue
		}

		// "1. First item" keeps numbered listings together, as do decimals
		// such as "3.5" and tickers such as "BRK.B"
		if i > 0 && i+1 < len(line) {
			prev, next := rune(line[i-1]), rune(line[i+1])
			if unicode.IsDigit(prev) && next == ' ' {
				continue
			}
			if line[i] == '.' && (unicode.IsLetter(next) || unicode.IsDigit(next)) {
				continue
			}
		}

		j := i + 1
		for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
			current.WriteByte(line[j])
			j++
		}
		for j < len(line) && (line[j] == '"' || line[j] == '\'' || line[j] == ')' ||
			line[j] == ']' || line[j] == '}') {
			current.WriteByte(line[j])
			j++
		}

		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
		i = j - 1
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}

// splitWords breaks an oversize sentence at word boundaries so every piece
// fits within maxTokens. A single word that alone exceeds the budget is cut
// at rune boundaries as a last resort.
func splitWords(sentence string, maxTokens int, count func(string) int) []string {
	var pieces []string
	var current []string

	emit := func() {
		if len(current) > 0 {
			pieces = append(pieces, strings.Join(current, " "))
			current = current[:0]
		}
	}

	for _, word := range strings.Fields(sentence) {
		if count(word) > maxTokens {
			emit()
			pieces = append(pieces, splitRunes(word, maxTokens, count)...)
			continue
		}
		candidate := append(append([]string(nil), current...), word)
		if len(current) > 0 && count(strings.Join(candidate, " ")) > maxTokens {
			emit()
		}
		current = append(current, word)
	}
	emit()
	return pieces
}

func splitRunes(word string, maxTokens int, count func(string) int) []string {
	var pieces []string
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := start + 1
		for end < len(runes) && count(string(runes[start:end+1])) <= maxTokens {
			end++
		}
		pieces = append(pieces, string(runes[start:end]))
		start = end
	}
	return pieces
}
