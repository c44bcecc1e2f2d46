// Package sigv4 signs outbound S3 requests with AWS Signature Version 4
// (spec.md §4.5). It delegates the canonical-request/string-to-sign/
// signing-key math to the official aws-sdk-go-v2 signer rather than
// hand-rolled HMAC, since the teacher's dependency tree already carries
// the aws-sdk-go-v2 family (indirectly, via its bedrockruntime client).
package sigv4

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Credentials are the static access/secret key pair configured per
// bucket (spec.md §6's s3.access_key / s3.secret_key).
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Signer signs requests for one bucket's S3 origin.
type Signer struct {
	creds  Credentials
	signer *v4.Signer
}

func New(creds Credentials) *Signer {
	return &Signer{creds: creds, signer: v4.NewSigner()}
}

// UnsignedPayload is used for streamed bodies whose SHA-256 can't be
// computed up front, per S3's UNSIGNED-PAYLOAD convention.
const UnsignedPayload = "UNSIGNED-PAYLOAD"

// Sign sets the Authorization, X-Amz-Date, and X-Amz-Content-Sha256
// headers on req (replacing any present) so it carries a valid SigV4
// signature for service "s3". bodyHash should be the SHA-256 hex digest
// of the request body, or UnsignedPayload for streamed/bodyless requests.
func (s *Signer) Sign(ctx context.Context, req *http.Request, bodyHash string) error {
	if bodyHash == "" {
		bodyHash = UnsignedPayload
	}

	provider := credentials.NewStaticCredentialsProvider(s.creds.AccessKey, s.creds.SecretKey, "")
	creds, err := provider.Retrieve(ctx)
	if err != nil {
		return err
	}

	req.Header.Set("X-Amz-Content-Sha256", bodyHash)

	return s.signer.SignHTTP(ctx, creds, req, bodyHash, "s3", s.creds.Region, time.Now())
}

// HashBody computes the SHA-256 hex digest of body, consuming and
// restoring it via the returned io.Reader (nil when body is nil) so
// callers can still attach it to the request after hashing.
func HashBody(body io.Reader) (hash string, restored io.Reader, err error) {
	if body == nil {
		h := sha256.Sum256(nil)
		return hex.EncodeToString(h[:]), nil, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", nil, err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), newBytesReader(data), nil
}

type bytesReader struct {
	data []byte
	pos  int
}

func newBytesReader(data []byte) *bytesReader { return &bytesReader{data: data} }

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
