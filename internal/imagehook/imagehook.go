// Package imagehook defines the image-transform extension point
// spec.md §1 carves out of the core: "does not rewrite or mutate
// object bodies except through the explicit image-transform hook."
// Image codec invocation itself is named an external collaborator, not
// core scope, so this package supplies only the contract and a
// pass-through default; a real Transformer (format conversion, resize)
// is wired in by whoever configures one, the same way the core treats
// the authz PDP or the audit sink as a collaborator behind an
// interface.
package imagehook

import (
	"context"
	"io"
	"net/http"
)

// Request describes the object response a Transformer may rewrite.
type Request struct {
	Bucket      string
	Key         string
	AcceptEncoding string
	Accept      string // drives auto-format negotiation, e.g. "image/webp"
	Headers     http.Header
	Body        io.Reader
}

// Result is the (possibly rewritten) response a Transformer produces.
// ContentType and Body are unchanged from the Request when no
// transform applies.
type Result struct {
	ContentType string
	Body        io.Reader
	Size        int64 // -1 when unknown (streamed)
}

// Transformer is the image-transform hook's contract. Implementations
// suspend only at well-defined yield points (spec.md §5: "explicit
// yield points after CPU-heavy operations"); the pipeline calls
// Transform once per origin fetch that returns 200 for a bucket with the
// hook set, after the fetch completes and before any cache store. Its
// result goes only into the cache entry.
type Transformer interface {
	Transform(ctx context.Context, req Request) (Result, error)
}

// Noop is the zero-configuration Transformer: it returns the body
// unchanged. Buckets that enable the hook without naming a real
// transform backend get this.
type Noop struct{}

func (Noop) Transform(_ context.Context, req Request) (Result, error) {
	return Result{
		ContentType: req.Headers.Get("Content-Type"),
		Body:        req.Body,
		Size:        -1,
	}, nil
}
