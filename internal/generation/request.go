package generation

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// MaxSafeSeed is the largest integer a float64 represents exactly.
const MaxSafeSeed int64 = 1<<53 - 1

// maxFirstPollDelay caps the wait before the first status check.
const maxFirstPollDelay = 900 * time.Second

// Backoff is the cyclic delay schedule between background status checks.
var Backoff = []time.Duration{
	3 * time.Second,
	6 * time.Second,
	9 * time.Second,
	6 * time.Second,
	3 * time.Second,
	6 * time.Second,
	9 * time.Second,
}

// NextBackoff advances the cursor and returns the delay for the next check.
func NextBackoff(idx int) (int, time.Duration) {
	n := len(Backoff)
	next := ((idx%n)+n)%n + 1
	next %= n
	return next, Backoff[next]
}

// FirstPollDelay estimates how long the provider needs before the first check.
func FirstPollDelay(videoLength, secondsPerVideoSecond float64) time.Duration {
	if videoLength <= 0 || secondsPerVideoSecond <= 0 || math.IsNaN(videoLength) || math.IsInf(videoLength, 0) {
		return Backoff[0]
	}
	est := math.Ceil(videoLength * secondsPerVideoSecond)
	if est >= maxFirstPollDelay.Seconds() {
		return maxFirstPollDelay
	}
	return time.Duration(est) * time.Second
}

// ResolveSeed keeps a caller seed in [1, MaxSafeSeed] and otherwise draws a
// random one from the same range.
func ResolveSeed(seed int64) int64 {
	if seed >= 1 && seed <= MaxSafeSeed {
		return seed
	}
	n, err := rand.Int(rand.Reader, big.NewInt(MaxSafeSeed))
	if err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		return time.Now().UnixNano()%MaxSafeSeed + 1
	}
	return n.Int64() + 1
}

// ScaleToMaxEdge shrinks width and height uniformly so the longer edge is at
// most maxEdge. Dimensions are floored, never scaled up, and at least 1px.
func ScaleToMaxEdge(width, height, maxEdge int) (int, int) {
	width, height = max(width, 1), max(height, 1)
	longer := max(width, height)
	if maxEdge <= 0 || longer <= maxEdge {
		return width, height
	}
	w := int(int64(width) * int64(maxEdge) / int64(longer))
	h := int(int64(height) * int64(maxEdge) / int64(longer))
	return max(w, 1), max(h, 1)
}
