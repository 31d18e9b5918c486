package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Fingerprint identifies a load request for coalescing. It hashes the path
// with the file's size and modification time, or the path alone if the file
// cannot be stat'ed. size is the stat'ed size, 0 if unknown.
func Fingerprint(path string) (fp string, size int64) {
	h := sha256.New()
	_, _ = io.WriteString(h, path)
	if info, err := os.Stat(path); err == nil {
		fmt.Fprintf(h, "\x00%d\x00%d", info.Size(), info.ModTime().UnixNano())
		size = info.Size()
	}
	return hex.EncodeToString(h.Sum(nil)), size
}
