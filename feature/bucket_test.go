package feature_test

import (
	"fmt"
	"testing"

	"github.com/go-kit/rollout/feature"
)

func TestBucketDeterministic(t *testing.T) {
	for _, key := range []string{"new-dashboard", "checkout.v2", "x"} {
		for _, subject := range []string{"", "u1", "user-42", "ünïcode"} {
			first := feature.Bucket(key, subject)
			for i := 0; i < 10; i++ {
				if have := feature.Bucket(key, subject); have != first {
					t.Fatalf("Bucket(%q, %q): want %d, have %d", key, subject, first, have)
				}
			}
		}
	}
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 5000; i++ {
		b := feature.Bucket("range", fmt.Sprintf("subject-%d", i))
		if b < 0 || b >= feature.Buckets {
			t.Fatalf("subject-%d: bucket %d outside [0, %d)", i, b, feature.Buckets)
		}
	}
}

func TestBucketUniform(t *testing.T) {
	var counts [feature.Buckets]int
	const n = 100000
	for i := 0; i < n; i++ {
		counts[feature.Bucket("uniform", fmt.Sprintf("subject-%d", i))]++
	}
	// Expected 1000 per bucket; allow a generous band.
	for b, c := range counts {
		if c < 800 || c > 1200 {
			t.Errorf("bucket %d: have %d subjects, want roughly %d", b, c, n/feature.Buckets)
		}
	}
}

func TestBucketIndependentAcrossFlags(t *testing.T) {
	const n = 10000
	same := 0
	for i := 0; i < n; i++ {
		subject := fmt.Sprintf("subject-%d", i)
		if feature.Bucket("flag-a", subject) == feature.Bucket("flag-b", subject) {
			same++
		}
	}
	// Independent buckets collide about 1% of the time.
	if same > n/20 {
		t.Errorf("%d of %d subjects share a bucket across flags", same, n)
	}
}
