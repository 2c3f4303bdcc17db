package generation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		idx       int
		wantNext  int
		wantDelay time.Duration
	}{
		{0, 1, 6 * time.Second},
		{1, 2, 9 * time.Second},
		{2, 3, 6 * time.Second},
		{3, 4, 3 * time.Second},
		{5, 6, 9 * time.Second},
		{6, 0, 3 * time.Second},
		{13, 0, 3 * time.Second},
		{-1, 0, 3 * time.Second},
	}
	for _, tt := range tests {
		next, delay := NextBackoff(tt.idx)
		assert.Equal(t, tt.wantNext, next, "idx %d", tt.idx)
		assert.Equal(t, tt.wantDelay, delay, "idx %d", tt.idx)
	}
}

func TestNextBackoff_Cycles(t *testing.T) {
	idx := 0
	var got []time.Duration
	for range 14 {
		var d time.Duration
		idx, d = NextBackoff(idx)
		got = append(got, d/time.Second)
	}
	assert.Equal(t, []time.Duration{6, 9, 6, 3, 6, 9, 3, 6, 9, 6, 3, 6, 9, 3}, got)
}

func TestFirstPollDelay(t *testing.T) {
	assert.Equal(t, 100*time.Second, FirstPollDelay(5, 20))
	assert.Equal(t, 91*time.Second, FirstPollDelay(4.5, 20.1))
	assert.Equal(t, 900*time.Second, FirstPollDelay(60, 20))
	assert.Equal(t, 900*time.Second, FirstPollDelay(45, 20))
	assert.Equal(t, 3*time.Second, FirstPollDelay(0, 20))
	assert.Equal(t, 3*time.Second, FirstPollDelay(5, 0))
}

func TestResolveSeed(t *testing.T) {
	assert.Equal(t, int64(42), ResolveSeed(42))
	assert.Equal(t, int64(1), ResolveSeed(1))
	assert.Equal(t, MaxSafeSeed, ResolveSeed(MaxSafeSeed))

	for _, bad := range []int64{0, -5, MaxSafeSeed + 1} {
		for range 50 {
			got := ResolveSeed(bad)
			assert.GreaterOrEqual(t, got, int64(1))
			assert.LessOrEqual(t, got, MaxSafeSeed)
		}
	}
}

func TestScaleToMaxEdge(t *testing.T) {
	tests := []struct {
		name         string
		w, h, max    int
		wantW, wantH int
	}{
		{"landscape", 2000, 1000, 1792, 1792, 896},
		{"portrait", 1080, 1920, 1792, 1008, 1792},
		{"within bounds", 1280, 720, 1792, 1280, 720},
		{"never upscales", 100, 50, 1792, 100, 50},
		{"exact edge", 1792, 1792, 1792, 1792, 1792},
		{"floors", 3000, 1001, 1792, 1792, 597},
		{"min one pixel", 100000, 10, 1792, 1792, 1},
		{"zero dims clamp", 0, 0, 1792, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := ScaleToMaxEdge(tt.w, tt.h, tt.max)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}
