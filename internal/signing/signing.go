// Package signing issues and checks HMAC signatures for time-limited
// artifact download links.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrExpired          = errors.New("signed link expired")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature binding a job, one of its artifacts and an
// expiry time.
func (s *Signer) Sign(jobID, artifact string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%s:%d", jobID, artifact, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate checks signature and expiry. expires is the raw query value.
func (s *Signer) Validate(jobID, artifact, expires, signature string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	expected := s.Sign(jobID, artifact, exp)
	// constant-time
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

// Query returns the expires and signature query parameters for a link valid
// for ttl.
func (s *Signer) Query(jobID, artifact string, ttl time.Duration) url.Values {
	exp := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("artifact", artifact)
	q.Set("expires", strconv.FormatInt(exp, 10))
	q.Set("signature", s.Sign(jobID, artifact, exp))
	return q
}
