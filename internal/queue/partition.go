package queue

import "hash/fnv"

// PartitionFor maps a key to one of n partitions with FNV-1a. Task keys are
// URLs, so every attempt for a URL lands on the same partition and keeps its
// ordering relative to other messages for that URL.
func PartitionFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Assign returns the partitions owned by consumer index i of total workers.
// Ownership is static round-robin so a partition never has two readers in
// the same group.
func Assign(partitions, i, total int) []int {
	if total <= 0 || i < 0 || i >= total {
		return nil
	}
	var owned []int
	for p := i; p < partitions; p += total {
		owned = append(owned, p)
	}
	return owned
}
