package rulesrunner

import (
	"encoding/json"
	"net/url"
	"strings"
)

// networkEventHost extracts the lower-cased host (no port) from browser
// network events. Supported payload shapes:
//   - {"request":{"url":"https://example.com/path"}}
//   - {"url":"https://example.com/path"}
//   - {"response":{"url":"https://example.com/path"}}
//
// Candidate preference is request.url, then url, then response.url.
func networkEventHost(eventType string, data json.RawMessage) (string, bool) {
	if !strings.HasPrefix(eventType, "Network.") || len(data) == 0 {
		return "", false
	}

	var shape struct {
		Request struct {
			URL string `json:"url"`
		} `json:"request"`
		URL      string `json:"url"`
		Response struct {
			URL string `json:"url"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return "", false
	}

	raw := strings.TrimSpace(shape.Request.URL)
	if raw == "" {
		raw = strings.TrimSpace(shape.URL)
	}
	if raw == "" {
		raw = strings.TrimSpace(shape.Response.URL)
	}
	if raw == "" {
		return "", false
	}

	return hostFromURL(raw)
}

// hostFromURL parses raw into a normalized host, retrying scheme-less forms
// like "example.com/path" and "//cdn.example.com/x".
func hostFromURL(raw string) (string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		if strings.Contains(raw, "://") {
			return "", false
		}
		prefixed := raw
		if strings.HasPrefix(prefixed, "//") {
			prefixed = "http:" + prefixed
		} else {
			prefixed = "http://" + prefixed
		}
		parsed, err = url.Parse(prefixed)
		if err != nil || parsed.Host == "" {
			return "", false
		}
	}

	host := strings.ToLower(parsed.Host)
	if i := strings.LastIndexByte(host, ':'); i > -1 {
		host = host[:i]
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", false
	}
	return host, true
}
