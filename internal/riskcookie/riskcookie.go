// Package riskcookie decodes and authenticates the signed risk cookie a
// client carries after a previous evaluation, giving the enforcer a verdict
// without a remote call.
//
// A version 3 cookie has the form
//
//	<hmac-hex>:<salt-b64>:<iterations>:<ciphertext-b64>
//
// The ciphertext is AES-256-CBC over a PKCS#7 padded JSON payload; key and
// IV come from PBKDF2-SHA256 over the cookie secret. The HMAC-SHA256 covers
// everything after the first colon followed by the user agent (web cookies)
// or nothing (mobile tokens).
package riskcookie

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"pxgate/internal/config"
	"pxgate/internal/reqctx"
	"pxgate/internal/verdict"
)

// CookieName is the web cookie carrying the token.
const CookieName = "_px3"

const (
	mobileVersionPrefix = "3:"
	keyLen              = 32
	ivLen               = aes.BlockSize
	saltLen             = 16
)

var (
	ErrMalformed  = errors.New("riskcookie: malformed cookie")
	ErrIterations = errors.New("riskcookie: iteration count out of range")
	ErrSignature  = errors.New("riskcookie: signature mismatch")
	ErrDecrypt    = errors.New("riskcookie: decryption failed")
	ErrExpired    = errors.New("riskcookie: cookie expired")
)

// Payload is the decrypted cookie content.
type Payload struct {
	UUID   string `json:"u"`
	VID    string `json:"v"`
	Time   int64  `json:"t"`
	Score  int    `json:"s"`
	Action string `json:"a"`
}

// Reader turns a request's cookie into a verdict.
type Reader struct {
	secret        []byte
	maxIterations int
	threshold     int
	now           func() time.Time
}

// New builds a reader from validated configuration.
func New(cfg *config.Enforcer) *Reader {
	return &Reader{
		secret:        []byte(cfg.CookieSecret),
		maxIterations: cfg.CookieMaxIterations,
		threshold:     cfg.Threshold(),
		now:           time.Now,
	}
}

// WithClock returns a copy of the reader using now as its clock.
func (r *Reader) WithClock(now func() time.Time) *Reader {
	cp := *r
	cp.now = now
	return &cp
}

// Read returns the cookie verdict, or the reason the cookie could not be
// used. A non-empty reason means the caller must fall back to the remote
// risk API.
func (r *Reader) Read(rc *reqctx.Context) (verdict.Verdict, verdict.Reason) {
	raw, signed, reason := r.token(rc)
	if reason != verdict.ReasonNone {
		return verdict.Verdict{}, reason
	}

	p, err := r.Decode(raw, signed)
	if err != nil {
		return verdict.Verdict{}, reasonFor(err)
	}

	return verdict.Verdict{
		Score:  p.Score,
		Action: verdict.Recommend(p.Score, p.Action, r.threshold),
		Source: verdict.SourceCookie,
		UUID:   p.UUID,
		VID:    p.VID,
	}, verdict.ReasonNone
}

func (r *Reader) token(rc *reqctx.Context) (raw string, signed string, reason verdict.Reason) {
	if rc.Mobile {
		tok := strings.TrimSpace(rc.MobileToken)
		switch {
		case tok == "":
			return "", "", verdict.ReasonNoCookie
		case !strings.HasPrefix(tok, mobileVersionPrefix):
			return "", "", verdict.ReasonMobileError
		}
		return strings.TrimPrefix(tok, mobileVersionPrefix), "", verdict.ReasonNone
	}

	raw = rc.Cookies[CookieName]
	if raw == "" {
		return "", "", verdict.ReasonNoCookie
	}
	return raw, rc.UserAgent, verdict.ReasonNone
}

func reasonFor(err error) verdict.Reason {
	switch {
	case errors.Is(err, ErrSignature):
		return verdict.ReasonValidationFailed
	case errors.Is(err, ErrExpired):
		return verdict.ReasonExpired
	default:
		return verdict.ReasonDecryptionFailed
	}
}

// Decode authenticates and decrypts raw. signed is the user agent for web
// cookies and empty for mobile tokens.
func (r *Reader) Decode(raw, signed string) (Payload, error) {
	mac, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Payload{}, ErrMalformed
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return Payload{}, ErrMalformed
	}

	want, err := hex.DecodeString(mac)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: hmac: %v", ErrMalformed, err)
	}
	if !hmac.Equal(want, r.sign(rest, signed)) {
		return Payload{}, ErrSignature
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: salt: %v", ErrMalformed, err)
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: iterations: %v", ErrMalformed, err)
	}
	if iterations < 1 || iterations > r.maxIterations {
		return Payload{}, ErrIterations
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: ciphertext: %v", ErrMalformed, err)
	}

	plain, err := r.decrypt(salt, iterations, ciphertext)
	if err != nil {
		return Payload{}, err
	}

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrDecrypt, err)
	}
	if p.Time <= r.now().UnixMilli() {
		return Payload{}, ErrExpired
	}
	return p, nil
}

// Encode produces a cookie for p. It is used by tests and by tooling that
// mints cookies for synthetic monitoring.
func (r *Reader) Encode(p Payload, signed string, iterations int) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return "", err
	}

	key, iv := r.derive(salt, iterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pad(plain)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	rest := strings.Join([]string{
		base64.StdEncoding.EncodeToString(salt),
		strconv.Itoa(iterations),
		base64.StdEncoding.EncodeToString(ciphertext),
	}, ":")
	return hex.EncodeToString(r.sign(rest, signed)) + ":" + rest, nil
}

func (r *Reader) sign(rest, signed string) []byte {
	h := hmac.New(sha256.New, r.secret)
	h.Write([]byte(rest))
	h.Write([]byte(signed))
	return h.Sum(nil)
}

func (r *Reader) derive(salt []byte, iterations int) (key, iv []byte) {
	dk := pbkdf2.Key(r.secret, salt, iterations, keyLen+ivLen, sha256.New)
	return dk[:keyLen], dk[keyLen:]
}

func (r *Reader) decrypt(salt []byte, iterations int, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrDecrypt
	}
	key, iv := r.derive(salt, iterations)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	return unpad(plain)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecrypt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecrypt
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrDecrypt
		}
	}
	return b[:len(b)-n], nil
}
