// Package mailauth runs SPF and DKIM checks on accepted messages. Results
// are advisory: they are recorded on the message row and exposed to
// classification rules, but never cause a rejection on their own.
package mailauth

import (
	"bytes"
	"context"
	"net"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/helpers"
	"github.com/Will-gabia/mailgate/logger"
)

// AuthResult carries the outcome of both checks as lowercase strings
// suitable for storage and rule matching.
type AuthResult struct {
	SPF  string
	DKIM string
}

// Verifier checks a raw message against its envelope. Implementations must
// not fail the pipeline: any internal error maps to an "error" result.
type Verifier interface {
	Verify(ctx context.Context, raw []byte, sourceIP string, sender string) AuthResult
}

type verifier struct{}

// NewVerifier returns a Verifier that performs live DNS lookups.
func NewVerifier() Verifier {
	return &verifier{}
}

func (v *verifier) Verify(ctx context.Context, raw []byte, sourceIP string, sender string) AuthResult {
	return AuthResult{
		SPF:  v.checkSPF(ctx, sourceIP, sender),
		DKIM: v.checkDKIM(raw),
	}
}

func (v *verifier) checkSPF(ctx context.Context, sourceIP string, sender string) string {
	ip := net.ParseIP(helpers.NormalizeIP(sourceIP))
	if ip == nil || sender == "" {
		return consts.AuthNone
	}
	domain := helpers.DomainOf(sender)
	if domain == "" {
		return consts.AuthNone
	}

	result, err := spf.CheckHostWithSender(ip, domain, sender, spf.WithContext(ctx))
	switch result {
	case spf.Pass:
		return consts.AuthPass
	case spf.Fail:
		return consts.AuthFail
	case spf.SoftFail:
		return consts.AuthSoftfail
	case spf.Neutral, spf.None:
		return consts.AuthNone
	case spf.TempError, spf.PermError:
		logger.Debugf("SPF check error for %s: %v", domain, err)
		return consts.AuthError
	default:
		return consts.AuthNone
	}
}

func (v *verifier) checkDKIM(raw []byte) string {
	verifications, err := dkim.Verify(bytes.NewReader(raw))
	if err != nil {
		logger.Debugf("DKIM verification error: %v", err)
		return consts.AuthError
	}
	if len(verifications) == 0 {
		return consts.AuthNone
	}
	// One valid signature is enough.
	for _, verification := range verifications {
		if verification.Err == nil {
			return consts.AuthPass
		}
	}
	return consts.AuthFail
}

type disabled struct{}

// Disabled returns a Verifier that performs no lookups and reports "none"
// for both checks. Used when [auth] verification is switched off.
func Disabled() Verifier {
	return disabled{}
}

func (disabled) Verify(_ context.Context, _ []byte, _ string, _ string) AuthResult {
	return AuthResult{SPF: consts.AuthNone, DKIM: consts.AuthNone}
}
