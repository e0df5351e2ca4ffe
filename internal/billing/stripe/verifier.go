// Package stripe adapts the external payment processor's wire formats:
// webhook signature verification, event decoding into the domain union,
// and a form-encoded API client for checkout.
package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	billingdomain "github.com/smallbiznis/trailmarket/internal/billing/domain"
)

const defaultTolerance = 5 * time.Minute

// Verifier checks webhook signatures for one stream's signing secret.
// Verification runs over the raw body bytes exactly as received.
type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret, tolerance: defaultTolerance, now: time.Now}
}

// Verify validates the signature header against payload. Any parse failure,
// stale timestamp, or digest mismatch yields ErrInvalidSignature.
func (v *Verifier) Verify(payload []byte, signatureHeader string) error {
	timestamp, signatures, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return billingdomain.ErrInvalidSignature
	}

	eventTime := time.Unix(timestamp, 0)
	if diff := v.now().Sub(eventTime); diff > v.tolerance || diff < -v.tolerance {
		return billingdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(v.secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return billingdomain.ErrInvalidSignature
}

func parseSignatureHeader(header string) (int64, []string, error) {
	var timestamp int64
	var signatures []string
	seenTimestamp := false

	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			ts, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, nil, err
			}
			timestamp = ts
			seenTimestamp = true
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if !seenTimestamp || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("malformed signature header")
	}
	return timestamp, signatures, nil
}
