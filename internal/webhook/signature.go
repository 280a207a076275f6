package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"enhancer/internal/domain"
)

// msThreshold separates millisecond timestamps from second timestamps.
const msThreshold = 1_000_000_000_000

// Verifier checks the engine's HMAC-SHA256 signature over
// "<timestamp>.<raw body>" and the timestamp's freshness.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Tolerance is the accepted clock skew in either direction.
func (v *Verifier) Tolerance() time.Duration { return v.tolerance }

// Verify returns domain.ErrInvalidSignature or domain.ErrStaleTimestamp on rejection.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	signature = strings.TrimSpace(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: missing signature or timestamp", domain.ErrInvalidSignature)
	}
	sent, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	skew := v.now().Sub(sent)
	if skew > v.tolerance || skew < -v.tolerance {
		return fmt.Errorf("%w: skew %s", domain.ErrStaleTimestamp, skew.Round(time.Second))
	}

	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", domain.ErrInvalidSignature)
	}
	if !hmac.Equal(got, mac(v.secret, timestamp, body)) {
		return fmt.Errorf("%w: mismatch", domain.ErrInvalidSignature)
	}
	return nil
}

// Sign produces the header value the engine sends for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	return "sha256=" + hex.EncodeToString(mac([]byte(secret), timestamp, body))
}

func mac(secret []byte, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

func parseTimestamp(raw string) (time.Time, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
		}
		return t, nil
	}
	if n > msThreshold {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}
