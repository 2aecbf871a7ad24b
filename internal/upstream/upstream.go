package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	log "github.com/sirupsen/logrus"

	"github.com/ethicalzen/sentinel-gateway/internal/config"
)

// Errors mapped by the pipeline onto client-facing statuses.
var (
	ErrNoTarget          = errors.New("no target endpoint")
	ErrTargetNotAllowed  = errors.New("target endpoint not in allowlist")
	ErrUpstreamUnreached = errors.New("upstream unreachable")
)

// strippedHeaders never cross the gateway boundary in either direction:
// hop-by-hop headers plus the gateway's own control headers.
var strippedHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"x-api-key":           true,
	"x-contract-id":       true,
	"x-dc-id":             true,
	"x-dc-digest":         true,
	"x-policy-digest":     true,
	"x-target-endpoint":   true,
	"x-tenant-id":         true,
}

// Forwarder sends approved requests to their upstream endpoint over a
// pooled transport.
type Forwarder struct {
	cfg    config.UpstreamConfig
	client *http.Client
}

// New builds a forwarder with connection pooling per the config.
func New(cfg config.UpstreamConfig) *Forwarder {
	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.IdleConnTimeout) * time.Second,
	}

	log.WithFields(log.Fields{
		"allowlist":          cfg.Allowlist,
		"max_idle_conns":     cfg.MaxIdleConns,
		"max_conns_per_host": cfg.MaxConnsPerHost,
	}).Info("Upstream forwarder initialized")

	return &Forwarder{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
	}
}

// ResolveTarget builds the full upstream URL from the X-Target-Endpoint
// header and checks it against the allowlist. An empty allowlist permits
// nothing.
func (f *Forwarder) ResolveTarget(r *http.Request) (string, error) {
	target := r.Header.Get("X-Target-Endpoint")
	if target == "" {
		return "", ErrNoTarget
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTargetNotAllowed, err)
	}
	if !f.allowed(parsed) {
		return "", fmt.Errorf("%w: %s", ErrTargetNotAllowed, parsed.Host)
	}

	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = r.URL.Path
	}
	if parsed.RawQuery == "" {
		parsed.RawQuery = r.URL.RawQuery
	}
	return parsed.String(), nil
}

// allowed matches the target against the allowlist on parsed origins, not
// string prefixes, so "api.example.com.evil.com" never slips past an
// "api.example.com" entry. Entries with a path restrict the target's path
// prefix as well.
func (f *Forwarder) allowed(target *url.URL) bool {
	for _, entry := range f.cfg.Allowlist {
		allowed, err := url.Parse(strings.TrimSuffix(entry, "/"))
		if err != nil {
			continue
		}
		if allowed.Scheme != target.Scheme || allowed.Host != target.Host {
			continue
		}
		if allowed.Path != "" && !strings.HasPrefix(target.Path, allowed.Path) {
			continue
		}
		return true
	}
	return false
}

// Forward sends the request body to the target with the client's headers
// minus the stripped set. The caller owns the returned response body.
func (f *Forwarder) Forward(ctx context.Context, r *http.Request, targetURL string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		if strippedHeaders[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("X-Forwarded-For", r.RemoteAddr)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreached, err)
	}
	return resp, nil
}

// DecodeBody returns the response body in plain text for evaluation,
// undoing gzip or brotli content encoding. The wire bytes are untouched;
// the client still receives exactly what the upstream sent.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(contentEncoding) {
	case "br", "brotli":
		decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("brotli decompression failed: %w", err)
		}
		return decoded, nil
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip reader creation failed: %w", err)
		}
		defer reader.Close()
		decoded, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip decompression failed: %w", err)
		}
		return decoded, nil
	case "", "identity":
		return body, nil
	default:
		log.WithField("encoding", contentEncoding).Warn("Unknown Content-Encoding, evaluating body as-is")
		return body, nil
	}
}
