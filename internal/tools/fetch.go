package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/fault"
	"github.com/foremanlabs/foreman/pkg/models"
)

// FetchArgs are the arguments of the http_fetch tool.
type FetchArgs struct {
	URL    string `json:"url" jsonschema:"minLength=1,description=URL to fetch; http or https only"`
	Method string `json:"method,omitempty" jsonschema:"enum=GET,enum=HEAD,description=HTTP method; defaults to GET"`
}

// HTTPFetch retrieves a URL. Reachable hosts come from the operator
// allowlist; redirects are re-checked per hop so an approved host cannot
// bounce the request somewhere private.
type HTTPFetch struct {
	cfg     config.HTTPFetchConfig
	client  *http.Client
	allowed map[string]bool
	schema  json.RawMessage
}

// NewHTTPFetch builds the http_fetch tool from its config section.
func NewHTTPFetch(cfg config.HTTPFetchConfig) *HTTPFetch {
	allowed := make(map[string]bool, len(cfg.AllowedHosts))
	for _, host := range cfg.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(host))] = true
	}
	return &HTTPFetch{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				if !allowed[strings.ToLower(req.URL.Hostname())] {
					return fmt.Errorf("redirect to %q is not on the allowlist", req.URL.Hostname())
				}
				return nil
			},
		},
		allowed: allowed,
		schema:  reflectSchema(&FetchArgs{}),
	}
}

func (t *HTTPFetch) Name() string { return "http_fetch" }

func (t *HTTPFetch) Description() string {
	return "Fetch a URL over HTTP. Only hosts on the configured allowlist are reachable."
}

func (t *HTTPFetch) Schema() json.RawMessage { return t.schema }

// Timeout lets the invoker apply the fetch-specific limit instead of the
// default tool timeout.
func (t *HTTPFetch) Timeout() time.Duration { return t.cfg.Timeout }

func (t *HTTPFetch) Execute(ctx context.Context, inv *Invocation) (*Result, error) {
	var args FetchArgs
	if err := json.Unmarshal(inv.Call.Args, &args); err != nil {
		return nil, fault.E(models.KindInvalidInput, "tools.http_fetch", "arguments are not valid JSON", err)
	}

	u, err := url.Parse(args.URL)
	if err != nil {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.http_fetch", "invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.http_fetch", "unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if !t.allowed[host] {
		return nil, fault.Errorf(models.KindToolPermissionDenied, "tools.http_fetch", "host %q is not on the allowlist", host)
	}

	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodHead {
		return nil, fault.Errorf(models.KindInvalidInput, "tools.http_fetch", "unsupported method %q", args.Method)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fault.E(models.KindInvalidInput, "tools.http_fetch", "build request", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fault.E(models.KindConnectorUnavailable, "tools.http_fetch", "request failed", err)
	}
	defer resp.Body.Close()

	limit := t.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 2 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fault.E(models.KindConnectorUnavailable, "tools.http_fetch", "read response body", err)
	}
	truncated := int64(len(body)) > limit
	if truncated {
		body = body[:limit]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\nContent-Type: %s\n\n", resp.Proto, resp.Status, resp.Header.Get("Content-Type"))
	b.Write(body)
	if truncated {
		b.WriteString("\n[body truncated]")
	}
	return &Result{Content: b.String()}, nil
}
