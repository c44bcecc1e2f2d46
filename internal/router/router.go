// Package router resolves an inbound URI path (the Host is not used) to a configured
// bucket binding by longest-prefix match (spec.md §4.1), grounded on the
// route-registration style seen in the pack's gateway examples
// (wpnpeiris-nats-s3's S3 path routing, Iweisc-pxbin's upstream
// selection) — simple ordered linear scan rather than a trie, since the
// bucket count per process is small and config-reload rebuilds the slice
// wholesale anyway.
package router

import (
	"net/url"
	"strings"

	yerrors "github.com/yatagarasu/yatagarasu/internal/errors"
)

// Binding is the subset of bucket configuration the router needs to
// match and strip a path prefix; internal/snapshot builds one per
// configured bucket from that bucket's name and path prefix.
type Binding struct {
	Name       string
	PathPrefix string
}

// Router holds bindings in configuration declaration order so that
// equal-length prefix ties resolve to the first-declared binding.
type Router struct {
	bindings []Binding
}

func New(bindings []Binding) *Router {
	return &Router{bindings: bindings}
}

// Match returns the bound binding and the canonical object key (prefix
// stripped, leading slash removed, percent-decoded once) for path.
func (r *Router) Match(path string) (Binding, string, error) {
	if strings.Contains(path, "\x00") {
		return Binding{}, "", yerrors.New(yerrors.ErrorTypeValidation, "path contains a NUL byte")
	}

	best := -1
	bestLen := -1
	for i, b := range r.bindings {
		if strings.HasPrefix(path, b.PathPrefix) && len(b.PathPrefix) > bestLen {
			best = i
			bestLen = len(b.PathPrefix)
		}
	}
	if best < 0 {
		return Binding{}, "", yerrors.New(yerrors.ErrorTypeNoRoute, "no bucket binding matches path").WithDetails(path)
	}

	binding := r.bindings[best]
	rest := strings.TrimPrefix(path[len(binding.PathPrefix):], "/")

	key, err := url.PathUnescape(rest)
	if err != nil {
		return Binding{}, "", yerrors.New(yerrors.ErrorTypeValidation, "object key is not valid percent-encoding")
	}
	if containsDotDotSegment(key) {
		return Binding{}, "", yerrors.New(yerrors.ErrorTypeValidation, "object key contains a '..' segment")
	}
	if strings.Contains(key, "\x00") {
		return Binding{}, "", yerrors.New(yerrors.ErrorTypeValidation, "object key contains a NUL byte")
	}

	return binding, key, nil
}

func containsDotDotSegment(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
