package model

const (
	EncodingFloat  = "float"
	EncodingBase64 = "base64"
)

// EmbeddingResponse is the OpenAI-compatible list returned to clients.
// Embedding holds a string for base64 and []float32 for float.
type EmbeddingResponse struct {
	Data   []EmbeddingData `json:"data"`
	Model  string          `json:"model"`
	Object string          `json:"object"`
	Usage  EmbeddingUsage  `json:"usage"`
}

type EmbeddingData struct {
	Embedding any    `json:"embedding"`
	Index     int    `json:"index"`
	Object    string `json:"object"`
}

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// UpstreamEmbeddingResponse is what the proxy reads back when it asks the
// upstream for base64 vectors. Pointers let missing fields be told apart
// from empty ones.
type UpstreamEmbeddingResponse struct {
	Data []struct {
		Embedding *string `json:"embedding"`
		Index     int     `json:"index"`
	} `json:"data"`
	Model *string `json:"model"`
}
