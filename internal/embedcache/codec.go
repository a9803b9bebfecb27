package embedcache

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
	"github.com/xxxsen/embedproxy/internal/model"
)

// DecodeUpstream turns an upstream base64 embedding into its raw blob.
func DecodeUpstream(s string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", appErr.ErrDecode, err)
	}
	return blob, nil
}

func EncodeBase64(blob []byte) string {
	return base64.StdEncoding.EncodeToString(blob)
}

// EncodeFloat reads blob as little-endian IEEE-754 float32 values.
func EncodeFloat(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("%w: embedding blob length %d is not a multiple of 4", appErr.ErrDecode, len(blob))
	}
	out := make([]float32, len(blob)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}

// FloatsToBlob is the inverse of EncodeFloat.
func FloatsToBlob(values []float32) []byte {
	blob := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// Encode renders blob in the client's requested encoding_format.
func Encode(blob []byte, format string) (any, error) {
	switch format {
	case model.EncodingBase64:
		return EncodeBase64(blob), nil
	case model.EncodingFloat:
		return EncodeFloat(blob)
	default:
		return nil, fmt.Errorf("%w: %q", appErr.ErrUnsupportedFormat, format)
	}
}

func IsSupportedFormat(format string) bool {
	return format == model.EncodingBase64 || format == model.EncodingFloat
}
