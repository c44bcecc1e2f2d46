package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/golang-jwt/jwt/v5"

	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
)

func signHS256(secret, subject, issuer, audience string, expiry time.Time) string {
	claims := jwt.MapClaims{
		"sub": subject,
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if !expiry.IsZero() {
		claims["exp"] = expiry.Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	Expect(err).ToNot(HaveOccurred())
	return signed
}

var _ = Describe("Verifier", func() {
	const secret = "test-signing-secret"

	Context("when authentication is disabled", func() {
		It("returns the anonymous principal without inspecting the request", func() {
			v := New(Config{Enabled: false}, []byte(secret))
			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)

			p, err := v.Authenticate(req)

			Expect(err).ToNot(HaveOccurred())
			Expect(p.IsAnonymous()).To(BeTrue())
		})
	})

	Context("bearer token in the Authorization header", func() {
		It("accepts a validly signed token", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader}, Algorithm: "HS256"}, []byte(secret))
			tok := signHS256(secret, "user-1", "", "", time.Now().Add(time.Hour))

			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)
			req.Header.Set("Authorization", "Bearer "+tok)

			p, err := v.Authenticate(req)

			Expect(err).ToNot(HaveOccurred())
			Expect(p.Subject).To(Equal("user-1"))
			Expect(p.IsAnonymous()).To(BeFalse())
		})

		It("rejects a token signed with the wrong secret", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader}, Algorithm: "HS256"}, []byte(secret))
			tok := signHS256("wrong-secret", "user-1", "", "", time.Now().Add(time.Hour))

			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)
			req.Header.Set("Authorization", "Bearer "+tok)

			_, err := v.Authenticate(req)

			Expect(err).To(HaveOccurred())
			Expect(yerrors.IsType(err, yerrors.ErrorTypeAuth)).To(BeTrue())
		})

		It("rejects an expired token", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader}, Algorithm: "HS256"}, []byte(secret))
			tok := signHS256(secret, "user-1", "", "", time.Now().Add(-time.Hour))

			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)
			req.Header.Set("Authorization", "Bearer "+tok)

			_, err := v.Authenticate(req)

			Expect(err).To(HaveOccurred())
		})

		It("rejects a request with no Authorization header", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader}, Algorithm: "HS256"}, []byte(secret))
			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)

			_, err := v.Authenticate(req)

			Expect(err).To(HaveOccurred())
			Expect(yerrors.IsType(err, yerrors.ErrorTypeAuth)).To(BeTrue())
		})

		It("enforces the configured issuer and audience", func() {
			v := New(Config{
				Enabled: true, Sources: []Source{SourceHeader}, Algorithm: "HS256",
				Issuer: "https://issuer.example.com", Audience: "yatagarasu",
			}, []byte(secret))

			wrongAud := signHS256(secret, "user-1", "https://issuer.example.com", "someone-else", time.Now().Add(time.Hour))
			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)
			req.Header.Set("Authorization", "Bearer "+wrongAud)

			_, err := v.Authenticate(req)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("token sources in declared order", func() {
		It("falls back to a cookie when the header is absent", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader, SourceCookie}, Algorithm: "HS256"}, []byte(secret))
			tok := signHS256(secret, "cookie-user", "", "", time.Now().Add(time.Hour))

			req := httptest.NewRequest(http.MethodGet, "/object.jpg", nil)
			req.AddCookie(&http.Cookie{Name: "access_token", Value: tok})

			p, err := v.Authenticate(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Subject).To(Equal("cookie-user"))
		})

		It("falls back to a query parameter when header and cookie are absent", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader, SourceCookie, SourceQuery}, Algorithm: "HS256"}, []byte(secret))
			tok := signHS256(secret, "query-user", "", "", time.Now().Add(time.Hour))

			target := "/object.jpg?access_token=" + url.QueryEscape(tok)
			req := httptest.NewRequest(http.MethodGet, target, nil)

			p, err := v.Authenticate(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Subject).To(Equal("query-user"))
		})

		It("prefers an earlier source over a later one when both are present", func() {
			v := New(Config{Enabled: true, Sources: []Source{SourceHeader, SourceQuery}, Algorithm: "HS256"}, []byte(secret))
			headerTok := signHS256(secret, "header-user", "", "", time.Now().Add(time.Hour))
			queryTok := signHS256(secret, "query-user", "", "", time.Now().Add(time.Hour))

			req := httptest.NewRequest(http.MethodGet, "/object.jpg?access_token="+url.QueryEscape(queryTok), nil)
			req.Header.Set("Authorization", "Bearer "+headerTok)

			p, err := v.Authenticate(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(p.Subject).To(Equal("header-user"))
		})
	})
})
