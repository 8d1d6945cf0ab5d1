// Package keywords extracts the most frequent content words from a message
// body. The result is stored alongside the parsed message and is available
// to downstream consumers of the archive; it plays no role in rule matching.
package keywords

import (
	"sort"
	"strings"
	"unicode"

	"github.com/k3a/html2text"
)

const (
	minWordLength = 3
	// DefaultMax is the keyword cap used when the caller passes max <= 0.
	DefaultMax = 10
)

// stopwords are common English function words excluded from ranking,
// plus contraction fragments left behind by the tokenizer.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"the", "be", "to", "of", "and", "a", "in", "that", "have", "i",
		"it", "for", "not", "on", "with", "he", "as", "you", "do", "at",
		"this", "but", "his", "by", "from", "they", "we", "say", "her", "she",
		"or", "an", "will", "my", "one", "all", "would", "there", "their", "what",
		"so", "up", "out", "if", "about", "who", "get", "which", "go", "me",
		"when", "make", "can", "like", "time", "no", "just", "him", "know", "take",
		"people", "into", "year", "your", "good", "some", "could", "them", "see",
		"other", "than", "then", "now", "look", "only", "come", "its", "over",
		"think", "also", "back", "after", "use", "two", "how", "our", "work",
		"first", "well", "way", "even", "new", "want", "because", "any", "these",
		"give", "day", "most", "us", "are", "has", "was", "been", "is", "am",
		"were", "did", "does", "had", "should", "may", "might", "shall",
		"re", "ve", "ll", "don", "doesn", "didn", "won", "isn", "aren", "wasn",
	} {
		stopwords[w] = struct{}{}
	}
}

// Extract returns up to max keywords from the message body, ranked by term
// frequency with ties broken by first occurrence. The text body is
// preferred; when empty, the HTML body is flattened to text first.
func Extract(textBody, htmlBody string, max int) []string {
	if max <= 0 {
		max = DefaultMax
	}

	text := textBody
	if text == "" && htmlBody != "" {
		text = html2text.HTML2Text(htmlBody)
	}
	if text == "" {
		return nil
	}

	words := tokenize(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}

	freq := make(map[string]int, len(words))
	firstSeen := make(map[string]int, len(words))
	for i, w := range words {
		if _, ok := firstSeen[w]; !ok {
			firstSeen[w] = i
		}
		freq[w]++
	}

	ranked := make([]string, 0, len(freq))
	for w := range freq {
		ranked = append(ranked, w)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if freq[ranked[i]] != freq[ranked[j]] {
			return freq[ranked[i]] > freq[ranked[j]]
		}
		return firstSeen[ranked[i]] < firstSeen[ranked[j]]
	})

	if len(ranked) > max {
		ranked = ranked[:max]
	}
	return ranked
}

// tokenize splits on non-letter/digit runs and filters out stopwords,
// short tokens and pure numbers.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	out := fields[:0]
	for _, w := range fields {
		if len(w) < minWordLength {
			continue
		}
		if _, ok := stopwords[w]; ok {
			continue
		}
		if isNumeric(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
