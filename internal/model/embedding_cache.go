package model

// EmbeddingCache is one stored vector. Value is the raw little-endian
// float32 sequence and always holds Dimensions*4 bytes.
type EmbeddingCache struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Hash       []byte `json:"hash"`
	Value      []byte `json:"value"`
}
