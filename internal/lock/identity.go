package lock

import (
	"github.com/cespare/xxhash/v2"
)

// DeriveKey maps a lock name to the 64-bit key used by the backend.
//
// The mapping is xxHash64 over the UTF-8 bytes of name, so it is stable across
// processes, restarts and platforms. Distinct names may collide; two names
// sharing a key contend for the same backend lock.
func DeriveKey(name string) uint64 {
	return xxhash.Sum64String(name)
}
