// Package mailparser turns a raw RFC 5322 byte stream into the structured
// fields the classification pipeline needs. Parsing is deliberately kept off
// the SMTP hot path; only the processing worker and the retry scheduler
// call into this package.
package mailparser

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"lukechampine.com/blake3"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/helpers"
)

// Attachment is one decoded attachment part. Checksum is the BLAKE3 hash of
// Content, computed here so the store can verify bytes before upload.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
	Checksum    string
}

// ParsedMessage holds the structured view of a message. Raw always carries
// the original bytes; every other field is best effort.
type ParsedMessage struct {
	MessageID string
	Subject   string
	From      string
	To        string
	Cc        string
	ReplyTo   string
	Date      time.Time
	Headers   map[string]string // lowercased header name -> decoded value
	TextBody  string
	HTMLBody  string

	Attachments []Attachment
	Raw         []byte
}

// Header returns a header value by case-insensitive name.
func (p *ParsedMessage) Header(name string) (string, bool) {
	v, ok := p.Headers[strings.ToLower(name)]
	return v, ok
}

// Body returns the value rule conditions match against for the "body"
// field: the text body, falling back to the raw HTML body.
func (p *ParsedMessage) Body() string {
	if p.TextBody != "" {
		return p.TextBody
	}
	return p.HTMLBody
}

// Parse decodes raw into a ParsedMessage. Unknown charsets are tolerated
// (the affected part is read undecoded); a message whose header section
// cannot be read at all is malformed and returns an error.
func Parse(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	parsed := &ParsedMessage{
		Headers: make(map[string]string),
		Raw:     raw,
	}

	h := mr.Header
	parsed.Subject, _ = h.Subject()
	if id, err := h.MessageID(); err == nil && id != "" {
		parsed.MessageID = "<" + id + ">"
	}
	if date, err := h.Date(); err == nil {
		parsed.Date = date
	}
	parsed.From = addressList(&h, "From")
	parsed.To = addressList(&h, "To")
	parsed.Cc = addressList(&h, "Cc")
	parsed.ReplyTo = addressList(&h, "Reply-To")

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := parsed.Headers[key]; seen {
			continue // keep the first occurrence
		}
		text, err := fields.Text()
		if err != nil {
			text = fields.Value()
		}
		parsed.Headers[key] = helpers.SanitizeUTF8(text)
	}

	for index := 0; ; index++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			// A broken part ends the walk; what was extracted so far stands.
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := ph.ContentType()
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch mediaType {
			case "text/plain":
				if parsed.TextBody == "" {
					parsed.TextBody = helpers.SanitizeUTF8(string(content))
				}
			case "text/html":
				if parsed.HTMLBody == "" {
					parsed.HTMLBody = helpers.SanitizeUTF8(string(content))
				}
			}
		case *mail.AttachmentHeader:
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			filename, _ := ph.Filename()
			mediaType, _, _ := ph.ContentType()
			if mediaType == "" {
				mediaType = "application/octet-stream"
			}
			sum := blake3.Sum256(content)
			parsed.Attachments = append(parsed.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        int64(len(content)),
				Content:     content,
				Checksum:    hex.EncodeToString(sum[:]),
			})
		}
	}

	return parsed, nil
}

// addressList formats an address header as "Name <addr>" entries joined by
// ", ". An unparseable header falls back to its raw value.
func addressList(h *mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}
