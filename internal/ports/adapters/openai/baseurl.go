package openai

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateBaseURL checks a configured API endpoint before any key is sent
// to it. Empty means the client default. Anything else must be a bare
// absolute https URL; plain http is allowed for loopback hosts only, so
// local OpenAI-compatible servers work without TLS.
func ValidateBaseURL(baseURL string) error {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("story base_url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("story base_url %q: absolute URL with host is required", baseURL)
	}
	if u.User != nil {
		return fmt.Errorf("story base_url %q: userinfo is not allowed", baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("story base_url %q: query and fragment are not allowed", baseURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("story base_url %q: http is allowed for localhost only", baseURL)
	default:
		return fmt.Errorf("story base_url %q: https is required", baseURL)
	}
}

func isLoopback(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
