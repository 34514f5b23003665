package tlhttp

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/peterbourgon/tracelog/internal/tlutil"
)

// HTTPClient models an http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

var _ HTTPClient = (*http.Client)(nil)

const maxRequestBodySizeBytes = 1 * 1024 * 1024 // 1MB

// joinPath appends a request path to a server URI. Unix socket URIs, in the
// form served by unixtransport, separate the socket path from the request path
// with a colon, e.g. unix:///tmp/tracelog.sock:/status.
func joinPath(uri, path string) string {
	uri = strings.TrimSuffix(uri, "/")
	scheme, _, _ := strings.Cut(uri, "://")
	switch scheme {
	case "unix", "http+unix", "https+unix":
		return uri + ":" + path
	default:
		return uri + path
	}
}

// RequestHasContentType returns true if the request's content-type header
// includes any of the provided media types.
func RequestHasContentType(r *http.Request, acceptable ...string) bool {
	have := parseHeaderMediaTypes(r, "content-type")
	for _, want := range acceptable {
		if _, ok := have[want]; ok {
			return true
		}
	}
	return false
}

// RequestExplicitlyAccepts returns true if the request's accept header
// includes any of the provided media types. Wildcards don't count.
func RequestExplicitlyAccepts(r *http.Request, acceptable ...string) bool {
	have := parseHeaderMediaTypes(r, "accept")
	for _, want := range acceptable {
		if _, ok := have[want]; ok {
			return true
		}
	}
	return false
}

func parseHeaderMediaTypes(r *http.Request, header string) map[string]map[string]string {
	mediaTypes := map[string]map[string]string{} // type: params
	for _, val := range strings.Split(r.Header.Get(header), ",") {
		mediaType, params, err := mime.ParseMediaType(val)
		if err != nil {
			continue
		}
		mediaTypes[mediaType] = params
	}
	return mediaTypes
}

func parseDefault[T any](s string, parse func(string) (T, error), def T) T {
	if v, err := parse(s); err == nil {
		return v
	}
	return def
}

func parseRange[T ~int](s string, parse func(string) (T, error), min, def, max T) T {
	v, err := parse(s)
	switch {
	case err != nil:
		return def
	case v < min:
		return min
	case v > max:
		return max
	default:
		return v
	}
}

//
//
//

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.Encode(data)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Details    []string `json:"details,omitempty"`
	StatusCode int      `json:"status_code"`
	StatusText string   `json:"status_text"`
}

func respondError(w http.ResponseWriter, code int, err error, details ...error) {
	respondJSON(w, code, ErrorResponse{
		Error:      err.Error(),
		Details:    tlutil.FlattenErrors(details...),
		StatusCode: code,
		StatusText: http.StatusText(code),
	})
}
