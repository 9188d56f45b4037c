// Package util provides shared logging and identity helpers.
package util

import (
	"hash/fnv"
)

// DeriveIA hashes the given parts into a 4-byte interface address. It is
// used when no explicit address is configured; collisions are possible, so
// fixed deployments should set local_ia.
func DeriveIA(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum32()
}
