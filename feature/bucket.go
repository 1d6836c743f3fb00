package feature

import "github.com/cespare/xxhash/v2"

// Buckets is the number of buckets subjects are hashed into. A rollout
// percentage P enables buckets [0, P).
const Buckets = 100

// Bucket maps a (flag, subject) pair to a stable value in [0, Buckets). The
// flag key is part of the hash input so that a subject's buckets are
// independent across flags. The empty subject is a valid input.
func Bucket(flagKey, subjectID string) int {
	return int(xxhash.Sum64String(flagKey+":"+subjectID) % Buckets)
}
