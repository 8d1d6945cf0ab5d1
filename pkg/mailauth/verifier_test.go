package mailauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Will-gabia/mailgate/consts"
)

func TestDisabledVerifierReportsNone(t *testing.T) {
	v := Disabled()
	result := v.Verify(context.Background(), []byte("From: a@b.test\r\n\r\nbody"), "203.0.113.5", "a@b.test")

	assert.Equal(t, consts.AuthNone, result.SPF)
	assert.Equal(t, consts.AuthNone, result.DKIM)
}

func TestCheckSPFWithoutSender(t *testing.T) {
	v := &verifier{}
	assert.Equal(t, consts.AuthNone, v.checkSPF(context.Background(), "203.0.113.5", ""))
}

func TestCheckSPFWithBadIP(t *testing.T) {
	v := &verifier{}
	assert.Equal(t, consts.AuthNone, v.checkSPF(context.Background(), "not-an-ip", "a@b.test"))
}

func TestCheckDKIMUnsignedMessage(t *testing.T) {
	v := &verifier{}
	raw := []byte("From: a@b.test\r\nSubject: hi\r\n\r\nno signature here\r\n")
	assert.Equal(t, consts.AuthNone, v.checkDKIM(raw))
}
