package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brdfb/maestro/pkg/config"
	"github.com/brdfb/maestro/pkg/httpclient"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cosine(tt.a, tt.b), 1e-9)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.125, 0}
	data := Marshal(vec)
	assert.Len(t, data, 4+4*len(vec))

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, vec, back)
}

func TestUnmarshalRejectsCorruptBlobs(t *testing.T) {
	_, err := Unmarshal([]byte{1, 2})
	assert.Error(t, err)

	data := Marshal([]float32{1, 2, 3})
	_, err = Unmarshal(data[:len(data)-2])
	assert.Error(t, err)
}

func TestOpenAIEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2}, "index": 0}},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder("sk-test", "", httpclient.New(httpclient.WithMaxRetries(0)))
	require.NoError(t, err)
	e.baseURL = server.URL
	assert.Equal(t, "text-embedding-3-small", e.ModelName())

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestOpenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder("", "", nil)
	assert.Error(t, err)
}

func TestOllamaEmbedder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 0, 1}})
	}))
	defer server.Close()

	e := NewOllamaEmbedder(server.URL, "nomic-embed-text", httpclient.New(httpclient.WithMaxRetries(0)))
	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestEngineLazyInit(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := config.EmbedderConfig{}
	cfg.SetDefaults()

	// Construction succeeds even without a credential.
	engine := NewEngine(cfg, nil)
	assert.False(t, engine.Available())

	_, err := engine.Embed(context.Background(), "text")
	assert.Error(t, err)
}
