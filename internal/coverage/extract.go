// Package coverage measures which HTTP routes the generated tests exercise.
package coverage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"qarunner/internal/routes"
)

var logRoutePattern = regexp.MustCompile(`(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+(/\S*)`)

var assetExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".map": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".webp": true, ".ico": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// ExtractRoutesFromLogs finds "METHOD /path" mentions in free-text logs.
// Paths are returned as written, deduplicated, in order of first appearance.
func ExtractRoutesFromLogs(logs string) []routes.Route {
	var out []routes.Route
	seen := map[string]bool{}
	for _, m := range logRoutePattern.FindAllStringSubmatch(logs, -1) {
		key := m[1] + " " + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, routes.Route{Method: m[1], Path: m[2]})
	}
	return out
}

// CapturedRequest is one API request seen in a network capture.
type CapturedRequest struct {
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

type harEntry struct {
	StartedDateTime json.RawMessage `json:"startedDateTime"`
	Time            float64         `json:"time"`
	Request         struct {
		Method string `json:"method"`
		URL    string `json:"url"`
	} `json:"request"`
	Response struct {
		Status int `json:"status"`
	} `json:"response"`
}

type harDocument struct {
	Log struct {
		Entries []harEntry `json:"entries"`
	} `json:"log"`
	Entries []harEntry `json:"entries"`
}

// ExtractRoutesFromNetworkCapture reads a HAR document (or a bare entries
// list) and returns the API requests in it. Static assets and entries
// without a usable path are skipped. Requests are deduplicated by method and
// path; the first occurrence keeps its metadata.
func ExtractRoutesFromNetworkCapture(data []byte) ([]CapturedRequest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var entries []harEntry
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse network capture: %w", err)
		}
	} else {
		var doc harDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse network capture: %w", err)
		}
		entries = doc.Log.Entries
		if len(entries) == 0 {
			entries = doc.Entries
		}
	}

	var out []CapturedRequest
	seen := map[string]bool{}
	for _, e := range entries {
		method := strings.ToUpper(strings.TrimSpace(e.Request.Method))
		p, ok := requestPath(e.Request.URL)
		if method == "" || !ok || isAsset(p) {
			continue
		}
		key := method + " " + p
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, CapturedRequest{
			Method:         method,
			Path:           p,
			StatusCode:     e.Response.Status,
			ResponseTimeMs: e.Time,
			Timestamp:      parseHARTime(e.StartedDateTime),
		})
	}
	return out, nil
}

// parseHARTime returns the zero time for a missing or malformed timestamp so
// one bad entry does not reject the whole capture.
func parseHARTime(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func requestPath(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.HasPrefix(u.Path, "/") {
		return "", false
	}
	return u.Path, true
}

func isAsset(p string) bool {
	return assetExtensions[strings.ToLower(path.Ext(p))]
}
