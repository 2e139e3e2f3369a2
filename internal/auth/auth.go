// Package auth implements the OAuth-HMAC-equivalent authenticator
// (spec §4.F): four required headers, an MD5 digest over
// app_key‖app_secret‖oauth-time‖oauth-random, constant-time comparison
// against the supplied token, and a ±5 minute timestamp skew window.
// The credential store supports atomic swap on config reload, the
// double-checked-locking pattern carlosrabelo-karoo uses for lazily-ready
// state (carlosrabelo-karoo/core/internal/nonce) adapted here to an
// atomic pointer swap instead, since the store is replaced wholesale
// rather than filled in once.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	apperrors "github.com/carlosrabelo/webproxy/pkg/errors"
	"github.com/carlosrabelo/webproxy/internal/config"
)

const skewWindow = 5 * time.Minute

// Headers the authenticator requires on every protected request.
const (
	HeaderAppKey = "oauth-app-key"
	HeaderToken  = "oauth-token"
	HeaderTime   = "oauth-time"
	HeaderRandom = "oauth-random"
)

// Credentials is an immutable snapshot swapped in wholesale on reload.
type Credentials struct {
	byAppKey map[string]config.Credential
}

func NewCredentials(creds map[string]config.Credential) *Credentials {
	copied := make(map[string]config.Credential, len(creds))
	for k, v := range creds {
		copied[k] = v
	}
	return &Credentials{byAppKey: copied}
}

func (c *Credentials) lookup(appKey string) (config.Credential, bool) {
	cred, ok := c.byAppKey[appKey]
	return cred, ok
}

// Authenticator validates OAuth-HMAC headers against the current
// credential store. Store is an atomic.Pointer so Reload never races
// with a concurrent Authenticate.
type Authenticator struct {
	store atomic.Pointer[Credentials]
	now   func() time.Time
}

func New(creds *Credentials) *Authenticator {
	a := &Authenticator{now: time.Now}
	a.store.Store(creds)
	return a
}

// Reload atomically replaces the credential store.
func (a *Authenticator) Reload(creds *Credentials) {
	a.store.Store(creds)
}

// HeaderSource is satisfied by httpparse.Request.
type HeaderSource interface {
	Header(name string) (string, bool)
}

// Authenticate validates a request against the oauth-* headers and
// the allowed_urls/path it is requesting.
func (a *Authenticator) Authenticate(req HeaderSource, path string) error {
	appKey, ok1 := req.Header(HeaderAppKey)
	token, ok2 := req.Header(HeaderToken)
	oauthTime, ok3 := req.Header(HeaderTime)
	oauthRandom, ok4 := req.Header(HeaderRandom)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return apperrors.New(apperrors.AuthFailed, "missing oauth headers")
	}

	creds := a.store.Load()
	if creds == nil {
		return apperrors.New(apperrors.AuthFailed, "credential store not loaded")
	}

	cred, ok := creds.lookup(appKey)
	if !ok {
		return apperrors.New(apperrors.AuthFailed, "unknown app_key")
	}

	ts, err := strconv.ParseInt(oauthTime, 10, 64)
	if err != nil {
		return apperrors.New(apperrors.AuthFailed, "invalid oauth-time")
	}
	skew := a.now().Sub(time.Unix(ts, 0))
	if skew < -skewWindow || skew > skewWindow {
		return apperrors.New(apperrors.AuthFailed, "oauth-time outside allowed skew window")
	}

	expected := expectedToken(appKey, cred.AppSecret, oauthTime, oauthRandom)
	if !constantTimeEqual(expected, token) {
		return apperrors.New(apperrors.AuthFailed, "token mismatch")
	}

	if !cred.AllowsURL(path) {
		return apperrors.New(apperrors.AuthFailed, "app_key not authorized for this path")
	}

	return nil
}

func expectedToken(appKey, appSecret, oauthTime, oauthRandom string) string {
	input := fmt.Sprintf("%s%s%s%s", appKey, appSecret, oauthTime, oauthRandom)
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}

// constantTimeEqual visits every byte up to the longer of the two
// inputs and folds a length mismatch into the same accumulator rather
// than returning early, matching original_source/src/oauth.c's
// compare loop: it sets a mismatch flag on a length difference but
// still runs the full scan instead of skipping it.
func constantTimeEqual(expected, actual string) bool {
	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}

	var diff byte
	if len(expected) != len(actual) {
		diff = 1
	}
	for i := 0; i < n; i++ {
		var e, a byte
		if i < len(expected) {
			e = expected[i]
		}
		if i < len(actual) {
			a = actual[i]
		}
		diff |= e ^ a
	}
	return diff == 0
}
