package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/archflow/archflow/pkg/tools"
)

// HTTPTool calls an HTTP endpoint described by a plugin definition. The
// URL and header values are Go templates rendered against the invocation
// input and the process environment.
type HTTPTool struct {
	name        string
	description string
	method      string
	urlTemplate *template.Template
	headers     map[string]*template.Template
	schema      map[string]any
	timeout     time.Duration
	maxOutput   int64
	client      *http.Client
}

func newHTTPTool(def Definition) (*HTTPTool, error) {
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = http.MethodGet
	}

	urlTmpl, err := template.New("url").Parse(def.URL)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: invalid url template: %w", def.Name, err)
	}

	headers := make(map[string]*template.Template, len(def.Headers))
	for key, value := range def.Headers {
		tmpl, err := template.New(key).Parse(value)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: invalid header template %s: %w", def.Name, key, err)
		}
		headers[key] = tmpl
	}

	timeout := def.timeout()
	return &HTTPTool{
		name:        def.Name,
		description: def.Description,
		method:      method,
		urlTemplate: urlTmpl,
		headers:     headers,
		schema:      def.InputSchema,
		timeout:     timeout,
		maxOutput:   def.maxOutput(),
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Name implements tools.Tool.
func (t *HTTPTool) Name() string { return t.name }

// Description implements tools.Tool.
func (t *HTTPTool) Description() string { return t.description }

// InputSchema implements tools.Tool.
func (t *HTTPTool) InputSchema() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.schema
}

// Execute implements tools.Tool. Methods with a body send the input as
// JSON. JSON responses are decoded; everything else comes back as text.
func (t *HTTPTool) Execute(ctx context.Context, tc *tools.ToolContext) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	data := templateData(tc.Input)
	url, err := render(t.urlTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: render url: %w", t.name, err)
	}

	var body io.Reader
	if len(tc.Input) > 0 && bodyMethod(t.method) {
		payload, err := json.Marshal(tc.Input)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: marshal input: %w", t.name, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, url, body)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: build request: %w", t.name, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "archflow-plugin/"+t.name)

	for key, tmpl := range t.headers {
		value, err := render(tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: render header %s: %w", t.name, key, err)
		}
		req.Header.Set(key, value)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: request failed: %w", t.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxOutput))
	if err != nil {
		return nil, fmt.Errorf("plugin %s: read response: %w", t.name, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("plugin %s: http %d: %s", t.name, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if strings.Contains(contentType, "application/json") {
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("plugin %s: parse JSON response: %w", t.name, err)
		}
	} else {
		parsed = string(raw)
	}

	return map[string]any{
		"response":    parsed,
		"statusCode":  resp.StatusCode,
		"contentType": contentType,
	}, nil
}

// bodyMethod reports whether the method carries a request body.
func bodyMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// templateData builds the render context: input fields at the top level
// plus .inputs and .env maps.
func templateData(input map[string]any) map[string]any {
	data := make(map[string]any, len(input)+2)
	for k, v := range input {
		data[k] = v
	}
	data["inputs"] = input
	data["env"] = envMap()
	return data
}

func render(tmpl *template.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// envMap snapshots the process environment for template interpolation.
func envMap() map[string]string {
	env := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			env[k] = v
		}
	}
	return env
}
