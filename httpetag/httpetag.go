// Package httpetag maps the conditional state cache onto HTTP: the device
// sends its last fingerprint in If-None-Match and gets either 304 with an
// empty body or 200 with the payload and a fresh ETag.
package httpetag

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/unkn0wn-root/devsync"
	c "github.com/unkn0wn-root/devsync/codec"
	"github.com/unkn0wn-root/devsync/pairing"
)

const (
	RequestHeader  = "If-None-Match"
	IfMatchHeader  = "If-Match"
	ResponseHeader = "ETag"
)

// Presented returns the fingerprint in If-None-Match, unquoted. Only the
// first entry of a list is used; weak tags compare by their opaque value.
// "*" and a missing header both yield "".
func Presented(r *http.Request) string {
	return parseTag(r.Header.Get(RequestHeader))
}

// PresentedIfMatch is Presented for the If-Match header (write validation).
func PresentedIfMatch(r *http.Request) string {
	return parseTag(r.Header.Get(IfMatchHeader))
}

func parseTag(h string) string {
	h = strings.TrimSpace(h)
	if i := strings.IndexByte(h, ','); i >= 0 {
		h = strings.TrimSpace(h[:i])
	}
	h = strings.TrimPrefix(h, "W/")
	if h == "*" {
		return ""
	}
	return strings.Trim(h, `"`)
}

// Quote renders fp as a strong entity tag.
func Quote(fp string) string { return `"` + fp + `"` }

// Write sends res: 304 with no body when NotModified, else 200 with the
// encoded value. The ETag header is set in both cases.
func Write[V any](w http.ResponseWriter, res devsync.Result[V], enc c.Codec[V], contentType string) error {
	w.Header().Set(ResponseHeader, Quote(res.Fingerprint))
	if res.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}
	body, err := enc.Encode(res.Value)
	if err != nil {
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		return fmt.Errorf("httpetag: encode: %w", err)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(body)
	return err
}

// StatusFor maps devsync and pairing errors to an HTTP status.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, devsync.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, devsync.ErrStaleWrite):
		return http.StatusPreconditionFailed
	case errors.Is(err, pairing.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, pairing.ErrStateMismatch):
		return http.StatusForbidden
	case errors.Is(err, devsync.ErrCacheUnavailable),
		errors.Is(err, pairing.ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Handler serves GET requests for one kind of cached resource.
type Handler[V any] struct {
	Cache       devsync.StateCache[V]
	Codec       c.Codec[V]
	ContentType string // default application/json

	// Key maps the request to a resource key, e.g. devsync.DeviceSkillsKey.
	// "" is answered with 400.
	Key func(*http.Request) string
	// Load returns the authoritative loader for the request. A nil handler
	// field or a nil loader is answered with 500.
	Load func(*http.Request) devsync.Loader[V]

	Logger devsync.Logger
}

func (h *Handler[V]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if h.Cache == nil || h.Codec == nil || h.Key == nil || h.Load == nil {
		h.logger().Error("etag handler missing Cache, Codec, Key or Load", nil)
		http.Error(w, `{"error":"handler misconfigured"}`, http.StatusInternalServerError)
		return
	}
	key := h.Key(r)
	if key == "" {
		http.Error(w, `{"error":"unknown resource"}`, http.StatusBadRequest)
		return
	}
	load := h.Load(r)
	if load == nil {
		h.logger().Error("no loader for resource", devsync.Fields{"key": key})
		http.Error(w, `{"error":"handler misconfigured"}`, http.StatusInternalServerError)
		return
	}

	res, err := h.Cache.Read(r.Context(), key, Presented(r), load)
	if err != nil {
		h.logger().Warn("conditional read failed", devsync.Fields{"key": key, "err": err})
		status := StatusFor(err)
		http.Error(w, fmt.Sprintf(`{"error":%q}`, http.StatusText(status)), status)
		return
	}

	ct := h.ContentType
	if ct == "" {
		ct = "application/json"
	}
	if err := Write(w, res, h.Codec, ct); err != nil {
		h.logger().Error("write response", devsync.Fields{"key": key, "err": err})
	}
}

func (h *Handler[V]) logger() devsync.Logger {
	if h.Logger == nil {
		return devsync.NopLogger{}
	}
	return h.Logger
}
