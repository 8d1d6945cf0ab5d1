package mailparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleMessage = "Message-ID: <abc-123@example.com>\r\n" +
	"From: Alice Sender <alice@example.com>\r\n" +
	"To: bob@acme.test\r\n" +
	"Cc: carol@acme.test, dave@acme.test\r\n" +
	"Subject: Quarterly invoice\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Please find the invoice attached.\r\n"

func TestParseSimpleMessage(t *testing.T) {
	parsed, err := Parse([]byte(simpleMessage))
	require.NoError(t, err)

	assert.Equal(t, "<abc-123@example.com>", parsed.MessageID)
	assert.Equal(t, "Quarterly invoice", parsed.Subject)
	assert.Equal(t, "Alice Sender <alice@example.com>", parsed.From)
	assert.Equal(t, "bob@acme.test", parsed.To)
	assert.Equal(t, "carol@acme.test, dave@acme.test", parsed.Cc)
	assert.Equal(t, 2006, parsed.Date.Year())
	assert.Contains(t, parsed.TextBody, "invoice attached")
	assert.Empty(t, parsed.HTMLBody)
	assert.Empty(t, parsed.Attachments)
}

func TestParseHeaderLookupIsCaseInsensitive(t *testing.T) {
	parsed, err := Parse([]byte(simpleMessage))
	require.NoError(t, err)

	v, ok := parsed.Header("SUBJECT")
	assert.True(t, ok)
	assert.Equal(t, "Quarterly invoice", v)

	_, ok = parsed.Header("X-Missing")
	assert.False(t, ok)
}

func TestParseMultipartWithAttachment(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bob@acme.test",
		"Subject: report",
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=BOUNDARY",
		"",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"See attachment.",
		"--BOUNDARY",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>See <b>attachment</b>.</p>",
		"--BOUNDARY",
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"",
		"%PDF-1.4 fake content",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Contains(t, parsed.TextBody, "See attachment.")
	assert.Contains(t, parsed.HTMLBody, "<b>attachment</b>")

	require.Len(t, parsed.Attachments, 1)
	att := parsed.Attachments[0]
	assert.Equal(t, "report.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, int64(len(att.Content)), att.Size)
	assert.Len(t, att.Checksum, 64)
}

func TestParseBodyFallsBackToHTML(t *testing.T) {
	raw := "From: a@b.test\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html only</p>\r\n"

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Empty(t, parsed.TextBody)
	assert.Contains(t, parsed.Body(), "html only")
}

func TestParseFirstTextPartWins(t *testing.T) {
	raw := strings.Join([]string{
		"From: a@b.test",
		"Content-Type: multipart/alternative; boundary=B",
		"",
		"--B",
		"Content-Type: text/plain",
		"",
		"first",
		"--B",
		"Content-Type: text/plain",
		"",
		"second",
		"--B--",
		"",
	}, "\r\n")

	parsed, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "first", strings.TrimSpace(parsed.TextBody))
}

func TestParsePreservesRawBytes(t *testing.T) {
	parsed, err := Parse([]byte(simpleMessage))
	require.NoError(t, err)
	assert.Equal(t, []byte(simpleMessage), parsed.Raw)
}
