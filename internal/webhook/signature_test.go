package webhook

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"enhancer/internal/domain"
)

func TestVerifier(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	body := []byte(`{"status":"completed"}`)
	secs := strconv.FormatInt(now.Unix(), 10)
	millis := strconv.FormatInt(now.UnixMilli(), 10)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	future := strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10)

	tests := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
		want      error
	}{
		{name: "valid seconds", signature: Sign("s3cret", secs, body), timestamp: secs, body: body},
		{name: "valid millis", signature: Sign("s3cret", millis, body), timestamp: millis, body: body},
		{name: "bare hex", signature: Sign("s3cret", secs, body)[len("sha256="):], timestamp: secs, body: body},
		{name: "tampered body", signature: Sign("s3cret", secs, body), timestamp: secs, body: []byte(`{"status":"failed"}`), want: domain.ErrInvalidSignature},
		{name: "wrong secret", signature: Sign("other", secs, body), timestamp: secs, body: body, want: domain.ErrInvalidSignature},
		{name: "timestamp not signed", signature: Sign("s3cret", stale, body), timestamp: secs, body: body, want: domain.ErrInvalidSignature},
		{name: "stale", signature: Sign("s3cret", stale, body), timestamp: stale, body: body, want: domain.ErrStaleTimestamp},
		{name: "future", signature: Sign("s3cret", future, body), timestamp: future, body: body, want: domain.ErrStaleTimestamp},
		{name: "missing signature", timestamp: secs, body: body, want: domain.ErrInvalidSignature},
		{name: "missing timestamp", signature: Sign("s3cret", secs, body), body: body, want: domain.ErrInvalidSignature},
		{name: "garbage timestamp", signature: "sha256=00", timestamp: "yesterday", body: body, want: domain.ErrInvalidSignature},
		{name: "non hex signature", signature: "sha256=zz", timestamp: secs, body: body, want: domain.ErrInvalidSignature},
	}

	v := NewVerifier("s3cret", 5*time.Minute)
	v.now = func() time.Time { return now }
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Verify(tc.signature, tc.timestamp, tc.body)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
