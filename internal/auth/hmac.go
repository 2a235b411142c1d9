// Package auth provides the shared-secret request authentication used
// between escrowd and its callers. Requests carry an HMAC-SHA256 over the
// timestamp and body so the caller proves possession of the deployment
// secret without sending it.
package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderSignature carries the lowercase hex HMAC-SHA256 of timestamp+body.
	HeaderSignature = "X-Escrowd-Signature"
	// HeaderTimestamp carries the unix seconds the signature was produced at.
	HeaderTimestamp = "X-Escrowd-Timestamp"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

// Verifier checks signed requests. A zero Secret disables verification so
// unsecured deployments need no special-casing at the router.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

// Middleware rejects requests whose signature is missing, stale, or wrong.
// The body is buffered and restored so downstream handlers can decode it.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks the signature headers against the request body.
func (v *Verifier) Verify(r *http.Request) error {
	if v.Secret == "" {
		return nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > v.MaxSkew || -skew > v.MaxSkew {
		return ErrStaleTimestamp
	}

	body, err := bufferBody(r)
	if err != nil {
		return err
	}

	expected := Sign(v.Secret, tsHeader, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature a client must send for the given timestamp
// and body. Exported so clients and tests share one definition.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
