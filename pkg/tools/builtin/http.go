package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

const (
	// defaultHTTPTimeout bounds a single request end to end.
	defaultHTTPTimeout = 30 * time.Second

	// defaultMaxResponseSize caps how much of a response body the tool
	// will buffer into the run context.
	defaultMaxResponseSize = 10 * 1024 * 1024

	// maxRedirects caps the redirect chain; every hop is re-validated.
	maxRedirects = 10
)

// HTTPTool performs outbound HTTP requests. Transport failures and
// non-2xx statuses are reported in the result map rather than as errors,
// so flows can route on them with guards; only invalid input or a
// blocked URL fails the step.
type HTTPTool struct {
	timeout         time.Duration
	maxResponseSize int64
	allowedHosts    []string
	allowSubdomains bool
	blockPrivateIPs bool
	requireHTTPS    bool
	client          *http.Client
}

// NewHTTPTool returns an HTTP tool with the default timeout, private IP
// blocking on, and no host restrictions.
func NewHTTPTool() *HTTPTool {
	t := &HTTPTool{
		timeout:         defaultHTTPTimeout,
		maxResponseSize: defaultMaxResponseSize,
		blockPrivateIPs: true,
	}
	t.client = t.newClient()
	return t
}

// WithTimeout sets the per-request timeout.
func (t *HTTPTool) WithTimeout(timeout time.Duration) *HTTPTool {
	t.timeout = timeout
	t.client = t.newClient()
	return t
}

// WithAllowedHosts restricts requests to the listed hostnames. Hosts are
// compared case-insensitively; an empty list allows every host.
func (t *HTTPTool) WithAllowedHosts(hosts []string) *HTTPTool {
	normalized := make([]string, 0, len(hosts))
	seen := make(map[string]bool)
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			continue
		}
		normalized = append(normalized, h)
		seen[h] = true
	}
	t.allowedHosts = normalized
	return t
}

// WithSubdomainMatching lets "example.com" in the allow-list also admit
// "api.example.com". Off by default.
func (t *HTTPTool) WithSubdomainMatching(allow bool) *HTTPTool {
	t.allowSubdomains = allow
	return t
}

// WithBlockPrivateIPs toggles rejection of loopback, RFC1918, and
// link-local addresses.
func (t *HTTPTool) WithBlockPrivateIPs(block bool) *HTTPTool {
	t.blockPrivateIPs = block
	return t
}

// WithRequireHTTPS rejects plain http URLs.
func (t *HTTPTool) WithRequireHTTPS(require bool) *HTTPTool {
	t.requireHTTPS = require
	return t
}

// WithMaxResponseSize caps the buffered response body.
func (t *HTTPTool) WithMaxResponseSize(size int64) *HTTPTool {
	t.maxResponseSize = size
	return t
}

// Name implements tools.Tool.
func (t *HTTPTool) Name() string { return "http" }

// Description implements tools.Tool.
func (t *HTTPTool) Description() string {
	return "Make HTTP requests to external APIs"
}

// InputSchema implements tools.Tool.
func (t *HTTPTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to request",
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method, defaults to GET",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body for POST/PUT/PATCH",
			},
		},
		"required": []any{"url"},
	}
}

// Execute implements tools.Tool.
func (t *HTTPTool) Execute(ctx context.Context, tc *tools.ToolContext) (any, error) {
	rawURL, ok := tc.Input["url"].(string)
	if !ok || rawURL == "" {
		return nil, &errors.ValidationError{
			Field:      "url",
			Message:    "url must be a non-empty string",
			Suggestion: "provide the URL to request",
		}
	}
	if err := t.validateURL(rawURL); err != nil {
		return nil, err
	}

	method := http.MethodGet
	if raw, ok := tc.Input["method"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "method",
				Message: "method must be a string",
			}
		}
		method = strings.ToUpper(strings.TrimSpace(s))
	}

	var body io.Reader
	if raw, ok := tc.Input["body"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "body",
				Message: "body must be a string",
			}
		}
		body = bytes.NewBufferString(s)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("build request: %v", err),
		}, nil
	}

	if raw, ok := tc.Input["headers"]; ok {
		headers, ok := raw.(map[string]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "headers",
				Message: "headers must be an object of string values",
			}
		}
		for k, v := range headers {
			s, ok := v.(string)
			if !ok {
				return nil, &errors.ValidationError{
					Field:   "headers." + k,
					Message: "header values must be strings",
				}
			}
			req.Header.Set(k, s)
		}
	}
	if (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) &&
		req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return map[string]any{
			"success": false,
			"error":   fmt.Sprintf("request failed: %v", err),
		}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponseSize))
	if err != nil {
		return map[string]any{
			"success":     false,
			"status_code": resp.StatusCode,
			"error":       fmt.Sprintf("read response: %v", err),
		}, nil
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k, vs := range resp.Header {
		if len(vs) == 1 {
			respHeaders[k] = vs[0]
		} else {
			respHeaders[k] = vs
		}
	}

	return map[string]any{
		"success":     resp.StatusCode >= 200 && resp.StatusCode < 300,
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}

// validateURL applies the scheme, host, and address policy. Hostname
// matching works on the parsed URL, not substrings, so an attacker
// cannot smuggle an allowed host into the userinfo or path.
func (t *HTTPTool) validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &errors.ValidationError{
			Field:   "url",
			Message: fmt.Sprintf("invalid URL: %v", err),
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &errors.ValidationError{
			Field:      "url",
			Message:    fmt.Sprintf("unsupported scheme %q", u.Scheme),
			Suggestion: "only http and https URLs are allowed",
		}
	}
	if t.requireHTTPS && u.Scheme != "https" {
		return &errors.ValidationError{
			Field:      "url",
			Message:    "plain http is disabled",
			Suggestion: "use an https URL",
		}
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return &errors.ValidationError{
			Field:   "url",
			Message: "URL has no hostname",
		}
	}

	if t.blockPrivateIPs {
		if ip := net.ParseIP(hostname); ip != nil {
			if ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				return fmt.Errorf("requests to private addresses are not allowed")
			}
		}
	}

	if len(t.allowedHosts) > 0 {
		for _, allowed := range t.allowedHosts {
			if hostname == allowed {
				return nil
			}
			if t.allowSubdomains && strings.HasSuffix(hostname, "."+allowed) {
				return nil
			}
		}
		return fmt.Errorf("host not in allowed list")
	}
	return nil
}

// newClient builds the client with redirect re-validation so a permitted
// first hop cannot bounce the request somewhere blocked.
func (t *HTTPTool) newClient() *http.Client {
	return &http.Client{
		Timeout: t.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects")
			}
			if err := t.validateURL(req.URL.String()); err != nil {
				return fmt.Errorf("redirect target not allowed: %w", err)
			}
			return nil
		},
	}
}
