// Package auth proves which account is behind a request. Callers sign a
// short challenge naming the request line, a timestamp, a one-time nonce
// and the hash of the body.
package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const (
	HeaderAccount   = "X-Account"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"

	challengePrefix = "market-ledger"

	// MaxBodySize bounds the bodies the verifier hashes
	MaxBodySize = 1 << 20
)

var (
	ErrMissingAccount = errors.New("missing account")
	ErrBadSignature   = errors.New("signature does not match account")
	ErrStale          = errors.New("timestamp outside allowed skew")
	ErrReplayed       = errors.New("request nonce already used")
)

// Challenge is the text a caller signs for one request. body is the exact
// request body, nil when there is none.
func Challenge(method, path string, ts int64, nonce string, body []byte) []byte {
	return []byte(fmt.Sprintf("%s\n%s %s\n%d\n%s\n%s",
		challengePrefix, strings.ToUpper(method), path, ts, nonce, crypto.Keccak256Hash(body).Hex()))
}

// Headers signs one request and returns the headers that carry the proof
func (s *Signer) Headers(method, path string, body []byte, now time.Time) (http.Header, error) {
	ts := now.Unix()
	nonce := uuid.NewString()
	sig, err := s.SignMessageHex(Challenge(method, path, ts, nonce, body))
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderAccount, s.address.Hex())
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSignature, sig)
	return h, nil
}

// SignRequest adds the account headers to req, signing at now. The body is
// read and replaced so the request can still be sent.
func (s *Signer) SignRequest(req *http.Request, now time.Time) error {
	body, err := drainBody(req)
	if err != nil {
		return err
	}
	h, err := s.Headers(req.Method, req.URL.Path, body, now)
	if err != nil {
		return err
	}
	for k, v := range h {
		req.Header[k] = v
	}
	return nil
}

// drainBody reads the body, up to MaxBodySize, and puts an identical
// reader back in its place.
func drainBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize+1))
	r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("body exceeds %d bytes", MaxBodySize)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// Verifier extracts the calling account from request headers
type Verifier struct {
	required bool
	maxSkew  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	seen      map[string]time.Time // account/nonce -> when its timestamp goes stale
	lastPrune time.Time
}

// NewVerifier creates a verifier. When required is false the X-Account
// header is trusted as is.
func NewVerifier(required bool, maxSkew time.Duration) *Verifier {
	return &Verifier{
		required: required,
		maxSkew:  maxSkew,
		now:      time.Now,
		seen:     make(map[string]time.Time),
	}
}

// WithClock replaces time.Now
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Required reports whether signatures are enforced
func (v *Verifier) Required() bool {
	return v.required
}

// Account returns the account proven by the request headers. Each nonce is
// accepted once per account while its timestamp is within the skew.
func (v *Verifier) Account(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(HeaderAccount)
	if raw == "" {
		return common.Address{}, ErrMissingAccount
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %q is not an address", ErrMissingAccount, raw)
	}
	account := common.HexToAddress(raw)
	if !v.required {
		return account, nil
	}

	now := v.now()
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad timestamp", ErrStale)
	}
	signedAt := time.Unix(ts, 0)
	skew := now.Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return common.Address{}, ErrStale
	}

	nonce := r.Header.Get(HeaderNonce)
	if nonce == "" {
		return common.Address{}, fmt.Errorf("%w: missing nonce", ErrBadSignature)
	}
	body, err := drainBody(r)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	ok, err := VerifySignature(Challenge(r.Method, r.URL.Path, ts, nonce, body), r.Header.Get(HeaderSignature), account)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return common.Address{}, ErrBadSignature
	}

	if !v.remember(account.Hex()+"/"+nonce, signedAt.Add(v.maxSkew), now) {
		return common.Address{}, ErrReplayed
	}
	return account, nil
}

// remember records key until expires and reports whether it was new.
// Expired keys need no entry: their timestamps already fail the skew check.
func (v *Verifier) remember(key string, expires, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastPrune) > v.maxSkew {
		for k, exp := range v.seen {
			if now.After(exp) {
				delete(v.seen, k)
			}
		}
		v.lastPrune = now
	}

	if _, dup := v.seen[key]; dup {
		return false
	}
	v.seen[key] = expires
	return true
}
