// Package embedding provides text embedding backends, vector serialization
// for in-row storage and cosine similarity for memory ranking.
package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/httpclient"
)

// Embedder produces a vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// Engine wraps an embedder with lazy initialization. Construction never
// fails; the first Embed call surfaces backend problems. A failed init is
// retried on the next call.
type Engine struct {
	cfg    config.EmbedderConfig
	client *httpclient.Client

	mu       sync.Mutex
	embedder Embedder
}

// NewEngine creates a lazy embedding engine.
func NewEngine(cfg config.EmbedderConfig, client *httpclient.Client) *Engine {
	if client == nil {
		client = httpclient.New()
	}
	return &Engine{cfg: cfg, client: client}
}

// Embed returns the vector for text, initializing the backend on first use.
func (e *Engine) Embed(ctx context.Context, text string) ([]float32, error) {
	embedder, err := e.backend()
	if err != nil {
		return nil, err
	}
	return embedder.Embed(ctx, text)
}

// Available reports whether the backend can be initialized.
func (e *Engine) Available() bool {
	_, err := e.backend()
	return err == nil
}

func (e *Engine) backend() (Embedder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.embedder != nil {
		return e.embedder, nil
	}

	var embedder Embedder
	var err error
	switch e.cfg.Backend {
	case "ollama":
		embedder = NewOllamaEmbedder(e.cfg.BaseURL, e.cfg.Model, e.client)
	default:
		embedder, err = NewOpenAIEmbedder(config.ProviderAPIKey("openai"), e.cfg.Model, e.client)
	}
	if err != nil {
		return nil, err
	}

	e.embedder = embedder
	return embedder, nil
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths or
// zero-norm inputs score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Marshal encodes a vector as a length-prefixed little-endian float32 blob.
func Marshal(vec []float32) []byte {
	buf := make([]byte, 4+4*len(vec))
	binary.LittleEndian.PutUint32(buf, uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4+4*i:], math.Float32bits(v))
	}
	return buf
}

// Unmarshal decodes a blob produced by Marshal.
func Unmarshal(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("embedding blob too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint32(data)
	if uint32(len(data)-4) != n*4 {
		return nil, fmt.Errorf("embedding blob length mismatch: header says %d floats, have %d bytes", n, len(data)-4)
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+4*i:]))
	}
	return vec, nil
}
