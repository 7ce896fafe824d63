// Package routes canonicalizes HTTP routes so that requests against the same
// endpoint with different IDs are counted as one.
package routes

import (
	"regexp"
	"strings"
)

// Placeholder replaces dynamic path segments.
const Placeholder = ":id"

var (
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
)

// Route is an HTTP method and path pair.
type Route struct {
	Method   string `json:"method" yaml:"method"`
	Path     string `json:"path" yaml:"path"`
	Category string `json:"category,omitempty" yaml:"category"`
}

// Key returns the "METHOD:normalized-path" identity used for matching.
func (r Route) Key() string {
	return Key(r.Method, r.Path)
}

// Key builds the matching key for a method and path.
func Key(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + ":" + NormalizePath(path)
}

// NormalizePath strips the query string, collapses UUID and numeric segments
// into Placeholder, trims whitespace around each segment and drops a trailing
// slash. The root path stays "/".
// NormalizePath(NormalizePath(p)) == NormalizePath(p) for every p.
func NormalizePath(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		seg = strings.TrimSpace(seg)
		segments[i] = seg
		if uuidSegment.MatchString(seg) || numericSegment.MatchString(seg) {
			segments[i] = Placeholder
		}
	}
	path = strings.Join(segments, "/")

	path = strings.TrimRight(path, "/")
	if path == "" {
		return "/"
	}
	return path
}
