// Package adapters holds the concrete DataSource implementations: HTTP
// bureaus and partner APIs, SQL and object-store archives, market feeds,
// rating tables, and a Redis cache.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 4 << 20

// errNotFound is internal: a 404 maps to an absent entity, not a fault.
var errNotFound = errors.New("not found")

// jsonClient issues GETs that decode a JSON object. Trace context from ctx is
// injected into the outbound headers.
type jsonClient struct {
	client *http.Client
	header http.Header
}

func newJSONClient(client *http.Client, timeout time.Duration, header http.Header) *jsonClient {
	if client == nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &jsonClient{client: client, header: header.Clone()}
}

// get returns errNotFound for 404, a permanent error for other 4xx and for
// malformed bodies, and a retryable error for transport faults and 5xx.
func (c *jsonClient) get(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, source.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, errNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, source.Permanent(fmt.Errorf("GET %s: status %d", url, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return decodeObject(body)
}

// ping reports whether url answers with a 2xx status.
func (c *jsonClient) ping(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// decodeObject parses body as a JSON object. Anything else is a permanent
// malformed-response error.
func decodeObject(body []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, source.Permanent(fmt.Errorf("malformed response: %w", err))
	}
	if out == nil {
		return nil, source.Permanent(errors.New("malformed response: not an object"))
	}
	return out, nil
}

// compileSchema compiles a JSON Schema document for payload validation.
func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(schema) == "" {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://fedresolve.schemas.local/sources/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

func trimBase(base string) string {
	return strings.TrimRight(base, "/")
}
