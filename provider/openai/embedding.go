package openai

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/cyijun/hachimi"
)

// Embedding talks to an embeddings endpoint.
type Embedding struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
}

var _ hachimi.EmbeddingProvider = (*Embedding)(nil)

// NewEmbedding creates an embedding provider. dims is the vector size
// the model produces; the selector uses it for sanity checks only.
func NewEmbedding(apiKey, model, baseURL string, dims int, opts ...Option) *Embedding {
	o := buildOptions(opts)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Embedding{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		dims:    dims,
		client:  o.client,
	}
}

func (e *Embedding) Name() string    { return "openai" }
func (e *Embedding) Dimensions() int { return e.dims }

type embeddingBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input, in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp embeddingResponse
	err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey, embeddingBody{
		Model: e.model,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, &hachimi.ErrLLM{Provider: "openai", Message: "embedding count does not match input count"}
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
