package loadbalancer

import "hash/fnv"

// hashKey is the FNV-1a hash ip-hash uses to pin a client to an instance.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}
