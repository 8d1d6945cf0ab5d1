package helpers

import "strings"

// SplitEmailAddress splits a lowercased address into local part and domain.
// The domain is empty when the address carries no "@".
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email, ""
	}
	return email[:at], email[at+1:]
}

// DomainOf returns the lowercased domain of an address, or "" if it has none.
func DomainOf(email string) string {
	_, domain := SplitEmailAddress(email)
	return domain
}

// SplitRecipients splits a comma-separated recipient list, trimming
// whitespace and dropping empty entries. Order is preserved.
func SplitRecipients(list string) []string {
	parts := strings.Split(list, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinRecipients is the inverse of SplitRecipients; the envelope recipient
// list is stored as a single comma-joined column.
func JoinRecipients(rcpts []string) string {
	return strings.Join(rcpts, ", ")
}

// NormalizeIP collapses an IPv6-mapped IPv4 address ("::ffff:10.0.0.1")
// to its plain IPv4 form so that rate limiting and allow-list checks key
// on one canonical representation.
func NormalizeIP(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}
