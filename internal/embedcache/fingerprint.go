package embedcache

import (
	"crypto/sha256"
	"strconv"
)

// Fingerprint keys one embedding input. The byte layout
// "<input>-<model>-<dimensions>" is the on-disk key format; changing it
// orphans every stored row.
func Fingerprint(input, model string, dimensions int) [sha256.Size]byte {
	buf := make([]byte, 0, len(input)+len(model)+24)
	buf = append(buf, input...)
	buf = append(buf, '-')
	buf = append(buf, model...)
	buf = append(buf, '-')
	buf = strconv.AppendInt(buf, int64(dimensions), 10)
	return sha256.Sum256(buf)
}
