package chat

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SortedUniqueIDs returns ids sorted ascending with duplicates and non-positive ids removed.
func SortedUniqueIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HuddleHash returns the stable identity of a member set: the blake2b-256 digest of the
// comma-joined ascending ids. Any permutation (or repetition) of the same set hashes equally.
func HuddleHash(userIDs []int64) string {
	ids := SortedUniqueIDs(userIDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}
