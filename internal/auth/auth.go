// Package auth verifies bearer JWTs carried on inbound requests
// (spec.md §4.6). Verification itself is delegated to golang-jwt/jwt/v5
// rather than hand-parsed, matching the bearer-token shape the teacher's
// gateway tests assert against (Authorization: Bearer <token>, 401 on
// anything that doesn't verify).
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
	"github.com/yatagarasu/yatagarasu/internal/reqctx"
)

// Source names a place a token may be carried. A verifier tries the
// sources in the order its Config.Sources lists them.
type Source string

const (
	SourceHeader Source = "header"
	SourceCookie Source = "cookie"
	SourceQuery  Source = "query"
)

// Config configures one bucket's JWT verification.
type Config struct {
	Enabled    bool
	Sources    []Source // tried in order; first token found wins
	Algorithm  string   // HS256, RS256, or ES256
	SigningKey string   // HMAC secret (HS256) or PEM-encoded public key (RS256/ES256)
	Issuer     string   // required "iss" claim, if set
	Audience   string   // required "aud" claim, if set

	CookieName string
	QueryParam string
}

func (c Config) cookieName() string {
	if c.CookieName != "" {
		return c.CookieName
	}
	return "access_token"
}

func (c Config) queryParam() string {
	if c.QueryParam != "" {
		return c.QueryParam
	}
	return "access_token"
}

// Verifier verifies bearer JWTs for one bucket.
type Verifier struct {
	cfg       Config
	keyFunc   jwt.Keyfunc
	parserOps []jwt.ParserOption
}

// New builds a Verifier from cfg and a pre-parsed verification key (an
// HMAC secret []byte for HS256, or an *rsa.PublicKey/*ecdsa.PublicKey
// for RS256/ES256 — parsing PEM material is the caller's concern, kept
// out of this package so it stays agnostic of key storage format).
func New(cfg Config, key interface{}) *Verifier {
	v := &Verifier{cfg: cfg}
	v.keyFunc = func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != cfg.Algorithm {
			return nil, errors.New("unexpected signing algorithm: " + t.Method.Alg())
		}
		return key, nil
	}
	v.parserOps = []jwt.ParserOption{jwt.WithValidMethods([]string{cfg.Algorithm})}
	if cfg.Issuer != "" {
		v.parserOps = append(v.parserOps, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.parserOps = append(v.parserOps, jwt.WithAudience(cfg.Audience))
	}
	return v
}

// Authenticate extracts and verifies a bearer token from r per the
// configured source order, returning the resulting principal. When
// auth is disabled it returns reqctx.AnonymousPrincipal without
// inspecting r at all.
func (v *Verifier) Authenticate(r *http.Request) (reqctx.Principal, error) {
	if !v.cfg.Enabled {
		return reqctx.AnonymousPrincipal, nil
	}

	raw, found := v.extractToken(r)
	if !found {
		return reqctx.Principal{}, yerrors.New(yerrors.ErrorTypeAuth, "no bearer token presented")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc, v.parserOps...)
	if err != nil || !token.Valid {
		return reqctx.Principal{}, yerrors.Wrap(err, yerrors.ErrorTypeAuth, "token verification failed")
	}

	subject, _ := claims.GetSubject()
	issuer, _ := claims.GetIssuer()
	expiry, _ := claims.GetExpirationTime()

	p := reqctx.Principal{
		Subject: subject,
		Issuer:  issuer,
		Claims:  map[string]interface{}(claims),
	}
	if expiry != nil {
		p.Expiry = expiry.Time
	}
	return p, nil
}

// extractToken tries each configured source in order and returns the
// first token string found.
func (v *Verifier) extractToken(r *http.Request) (string, bool) {
	sources := v.cfg.Sources
	if len(sources) == 0 {
		sources = []Source{SourceHeader}
	}
	for _, src := range sources {
		switch src {
		case SourceHeader:
			if tok, ok := fromHeader(r); ok {
				return tok, true
			}
		case SourceCookie:
			if c, err := r.Cookie(v.cfg.cookieName()); err == nil && c.Value != "" {
				return c.Value, true
			}
		case SourceQuery:
			if tok := r.URL.Query().Get(v.cfg.queryParam()); tok != "" {
				return tok, true
			}
		}
	}
	return "", false
}

func fromHeader(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := strings.TrimPrefix(h, prefix)
	if tok == "" {
		return "", false
	}
	return tok, true
}
