package veracode

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	authScheme     = "VERACODE-HMAC-SHA-256"
	requestVersion = "vcode_request_version_1"
	nonceSize      = 16
)

// HMACTransport signs every request with the Veracode HMAC scheme.
type HMACTransport struct {
	id   string
	key  []byte
	base http.RoundTripper

	now   func() time.Time
	nonce func() ([]byte, error)
}

// NewHMACTransport creates a signing transport. secret is the hex encoded API
// key secret. A nil base uses http.DefaultTransport.
func NewHMACTransport(id, secret string, base http.RoundTripper) (*HMACTransport, error) {
	if id == "" || secret == "" {
		return nil, errors.New("veracode api id and key are required")
	}
	key, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("veracode api key is not hex: %w", err)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &HMACTransport{
		id:   id,
		key:  key,
		base: base,
		now:  time.Now,
		nonce: func() ([]byte, error) {
			b := make([]byte, nonceSize)
			_, err := rand.Read(b)
			return b, err
		},
	}, nil
}

// RoundTrip implements http.RoundTripper. The request is cloned before the
// Authorization header is set.
func (t *HMACTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	header, err := t.authorization(req.Method, req.URL.Host, req.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	signed := req.Clone(req.Context())
	signed.Header.Set("Authorization", header)
	return t.base.RoundTrip(signed)
}

func (t *HMACTransport) authorization(method, host, uri string) (string, error) {
	nonce, err := t.nonce()
	if err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ts := strconv.FormatInt(t.now().UnixMilli(), 10)
	data := fmt.Sprintf("id=%s&host=%s&url=%s&method=%s", t.id, host, uri, method)

	keyNonce := mac(t.key, nonce)
	keyDate := mac(keyNonce, []byte(ts))
	signingKey := mac(keyDate, []byte(requestVersion))
	sig := hex.EncodeToString(mac(signingKey, []byte(data)))

	return fmt.Sprintf("%s id=%s,ts=%s,nonce=%s,sig=%s",
		authScheme, t.id, ts, hex.EncodeToString(nonce), sig), nil
}

func mac(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}
