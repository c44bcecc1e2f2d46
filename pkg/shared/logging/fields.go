// Package logging provides a small fluent builder for structured log
// fields shared by every component of the proxy, so a "what happened to
// request X" log line always carries the same field names regardless of
// which stage emitted it.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a fluent builder over logrus.Fields. Every setter returns
// the receiver so calls chain. Resource skips an empty name, Error skips
// a nil error and UserID skips an empty id; every other setter records
// its value as given.
type Fields map[string]interface{}

func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// Bucket records the bucket binding a request resolved to.
func (f Fields) Bucket(name string) Fields {
	f["bucket"] = name
	return f
}

// CacheStatus records one of "hit", "miss", "bypass".
func (f Fields) CacheStatus(status string) Fields {
	f["cache_status"] = status
	return f
}

// Correlation records the per-request correlation id.
func (f Fields) Correlation(id string) Fields {
	f["correlation_id"] = id
	return f
}

func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// HTTPFields is a shorthand for the fields every inbound-request log
// line carries.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().
		Component("http").
		Method(method).
		URL(url).
		StatusCode(statusCode)
}

// OriginFields is a shorthand for logging an outbound origin call.
func OriginFields(bucket, key string) Fields {
	return NewFields().
		Component("origin").
		Bucket(bucket).
		Resource("object", key)
}
