package keywords

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractRanksByFrequency(t *testing.T) {
	text := "invoice invoice invoice payment payment deadline"
	got := Extract(text, "", 10)
	assert.Equal(t, []string{"invoice", "payment", "deadline"}, got)
}

func TestExtractFiltersStopwordsAndShortWords(t *testing.T) {
	got := Extract("the and for a to of it is invoice", "", 10)
	assert.Equal(t, []string{"invoice"}, got)
}

func TestExtractIgnoresPureNumbers(t *testing.T) {
	got := Extract("12345 99 2024 budget budget", "", 10)
	assert.Equal(t, []string{"budget"}, got)
}

func TestExtractCapsResultCount(t *testing.T) {
	var b strings.Builder
	for _, w := range []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"} {
		b.WriteString(w + " ")
	}
	got := Extract(b.String(), "", 3)
	assert.Len(t, got, 3)
}

func TestExtractFallsBackToHTML(t *testing.T) {
	html := "<html><body><p>Quarterly report attached. Report covers revenue.</p></body></html>"
	got := Extract("", html, 10)
	assert.Contains(t, got, "report")
	assert.Contains(t, got, "revenue")
	assert.NotContains(t, got, "html")
}

func TestExtractEmptyBodies(t *testing.T) {
	assert.Nil(t, Extract("", "", 10))
}

func TestExtractDefaultsMax(t *testing.T) {
	text := strings.Repeat("one1 two2 three3 four4 five5 six6 seven7 eight8 nine9 ten10 eleven11 twelve12 ", 2)
	got := Extract(text, "", 0)
	assert.Len(t, got, DefaultMax)
}
