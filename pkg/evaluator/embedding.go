package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/ethicalzen/sentinel-gateway/internal/breaker"
)

// Embedder turns text into a vector. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// EmbedderBreakerName identifies the embedding backend in the circuit table.
const EmbedderBreakerName = "embedding_backend"

// HTTPEmbedder calls an external embedding service.
type HTTPEmbedder struct {
	url    string
	model  string
	client *http.Client
}

// NewHTTPEmbedder builds an embedder against the given endpoint.
func NewHTTPEmbedder(url, model string, timeout time.Duration) *HTTPEmbedder {
	return &HTTPEmbedder{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]string{"model": h.model, "input": text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding backend returned %d: %s", resp.StatusCode, string(snippet))
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("embedding backend returned an empty vector")
	}
	return out.Embedding, nil
}

// HashingEmbedder is a deterministic, dependency-free embedder: a
// bag-of-words projection where each token hashes into a fixed number of
// buckets. It gives coarse but stable similarity, enough for the lexical
// side of smart guardrails when no model backend is configured, and for
// tests.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates a hashing embedder; dims <= 0 selects the
// default of 256 buckets.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dims)
	for _, tok := range tokenize(text) {
		f := fnv.New32a()
		f.Write([]byte(tok))
		vec[int(f.Sum32())%h.dims]++
	}
	normalize(vec)
	return vec, nil
}

// embed routes through the circuit breaker when a table is wired. Remote
// failures do not bubble: the caller receives ok=false and chooses its
// lexical fallback.
func (e *Engine) embed(ctx context.Context, text string) ([]float64, bool) {
	if e.opts.Breakers == nil {
		vec, err := e.opts.Embedder.Embed(ctx, text)
		return vec, err == nil
	}
	res, err := e.opts.Breakers.Do(EmbedderBreakerName, func() (interface{}, error) {
		return e.opts.Embedder.Embed(ctx, text)
	})
	if errors.Is(err, breaker.ErrOpen) || err != nil {
		return nil, false
	}
	return res.([]float64), true
}

func normalize(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
}

// cosine returns the cosine similarity of two vectors, 0 on dimension
// mismatch or zero vectors.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// meanVector averages a set of equal-length vectors.
func meanVector(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}
	mean := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		if len(v) != len(mean) {
			return nil
		}
		for i, x := range v {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	return mean
}
