package handler

import (
	"fmt"
	"hash/fnv"
)

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ContentVersion is the version stamp of a script body.
func ContentVersion(src string) string {
	return fmt.Sprintf("%016x", hashBytes([]byte(src)))
}
