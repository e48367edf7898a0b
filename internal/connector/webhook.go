package connector

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/loomworks/loom/pkg/fault"
)

// WebhookVerifier lets a behavior replace the default HMAC-SHA256
// signature check for upstreams with their own scheme. Optional; probed
// by type assertion.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature, secret string) bool
}

// HandleWebhook verifies an inbound webhook and hands it to the
// behavior. When the credential bundle carries a webhook secret, the
// signature must be the hex HMAC-SHA256 of the payload (an optional
// "sha256=" prefix is accepted); without a secret the payload is
// processed as-is.
func (r *Runtime) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	secret := r.Credentials().WebhookSecret
	if secret != "" && !r.verifySignature(payload, signature, secret) {
		r.failures.Add(1)
		return fault.New(fault.Auth, "connector "+r.name+": webhook signature mismatch")
	}
	if err := r.behavior.ProcessWebhook(ctx, r, payload); err != nil {
		r.noteError(err)
		return fault.Wrap(fault.Internal, err, "connector "+r.name+": process webhook")
	}
	log.Debug().Str("connector", r.name).Int("bytes", len(payload)).Msg("webhook processed")
	return nil
}

func (r *Runtime) verifySignature(payload []byte, signature, secret string) bool {
	if v, ok := r.behavior.(WebhookVerifier); ok {
		return v.VerifyWebhook(payload, signature, secret)
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}
