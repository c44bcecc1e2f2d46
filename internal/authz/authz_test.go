package authz

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Authorizer", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("external PDP", func() {
		var server *httptest.Server
		var calls int

		AfterEach(func() {
			if server != nil {
				server.Close()
			}
		})

		It("allows when the PDP returns allow=true", func() {
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				json.NewEncoder(w).Encode(pdpResponse{Allow: true, Reason: "ok"})
			}))

			a, err := New(ctx, Config{PDPURL: server.URL, FailMode: FailClosed}, server.Client())
			Expect(err).ToNot(HaveOccurred())

			d, err := a.Authorize(ctx, Input{Principal: "alice", Bucket: "photos", Path: "/a.jpg", Method: "GET"})
			Expect(err).ToNot(HaveOccurred())
			Expect(d.Allow).To(BeTrue())
		})

		It("denies with a forbidden error when the PDP returns allow=false", func() {
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(pdpResponse{Allow: false, Reason: "no policy match"})
			}))

			a, err := New(ctx, Config{PDPURL: server.URL, FailMode: FailClosed}, server.Client())
			Expect(err).ToNot(HaveOccurred())

			_, err = a.Authorize(ctx, Input{Principal: "alice", Bucket: "photos", Path: "/a.jpg", Method: "GET"})
			Expect(err).To(HaveOccurred())
		})

		It("memoizes a decision within the cache TTL, skipping a repeat PDP call", func() {
			calls = 0
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				json.NewEncoder(w).Encode(pdpResponse{Allow: true})
			}))

			a, err := New(ctx, Config{PDPURL: server.URL, FailMode: FailClosed, DecisionCacheTTLSeconds: 60}, server.Client())
			Expect(err).ToNot(HaveOccurred())

			in := Input{Principal: "alice", Bucket: "photos", Path: "/a.jpg", Method: "GET"}
			_, err = a.Authorize(ctx, in)
			Expect(err).ToNot(HaveOccurred())
			_, err = a.Authorize(ctx, in)
			Expect(err).ToNot(HaveOccurred())

			Expect(calls).To(Equal(1))
		})

		It("expires a cached decision once its TTL has elapsed", func() {
			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(pdpResponse{Allow: true})
			}))

			a, err := New(ctx, Config{PDPURL: server.URL, FailMode: FailClosed}, server.Client())
			Expect(err).ToNot(HaveOccurred())

			d := Decision{Allow: true}
			a.cacheStore("stale-key", d)
			a.cache["stale-key"] = cacheEntry{decision: d, expiry: time.Now().Add(-time.Second)}

			_, ok := a.cacheLookup("stale-key")
			Expect(ok).To(BeFalse())
		})
	})

	Context("fail mode when the PDP is unreachable", func() {
		It("denies under fail_closed", func() {
			a, err := New(ctx, Config{PDPURL: "http://127.0.0.1:1", FailMode: FailClosed}, &http.Client{Timeout: 100 * time.Millisecond})
			Expect(err).ToNot(HaveOccurred())

			d, err := a.Authorize(ctx, Input{Principal: "alice", Bucket: "photos", Path: "/a.jpg", Method: "GET"})
			Expect(err).To(HaveOccurred())
			Expect(d.Allow).To(BeFalse())
			Expect(d.Degraded).To(BeTrue())
		})

		It("allows under fail_open", func() {
			a, err := New(ctx, Config{PDPURL: "http://127.0.0.1:1", FailMode: FailOpen}, &http.Client{Timeout: 100 * time.Millisecond})
			Expect(err).ToNot(HaveOccurred())

			d, err := a.Authorize(ctx, Input{Principal: "alice", Bucket: "photos", Path: "/a.jpg", Method: "GET"})
			Expect(err).ToNot(HaveOccurred())
			Expect(d.Allow).To(BeTrue())
			Expect(d.Degraded).To(BeTrue())
		})
	})

	Context("embedded rego policy fallback", func() {
		var policyPath string

		BeforeEach(func() {
			dir := GinkgoT().TempDir()
			policyPath = filepath.Join(dir, "authz.rego")
			policy := `package yatagarasu.authz

default allow := false

allow if {
	input.bucket == "public-assets"
}
`
			Expect(os.WriteFile(policyPath, []byte(policy), 0o644)).To(Succeed())
		})

		It("allows a request the embedded policy permits", func() {
			a, err := New(ctx, Config{EmbeddedPolicyPath: policyPath}, nil)
			Expect(err).ToNot(HaveOccurred())

			d, err := a.Authorize(ctx, Input{Principal: "alice", Bucket: "public-assets", Path: "/a.jpg", Method: "GET"})
			Expect(err).ToNot(HaveOccurred())
			Expect(d.Allow).To(BeTrue())
		})

		It("denies a request the embedded policy does not permit", func() {
			a, err := New(ctx, Config{EmbeddedPolicyPath: policyPath}, nil)
			Expect(err).ToNot(HaveOccurred())

			_, err = a.Authorize(ctx, Input{Principal: "alice", Bucket: "private-assets", Path: "/a.jpg", Method: "GET"})
			Expect(err).To(HaveOccurred())
		})
	})
})
