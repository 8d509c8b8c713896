package fallback

import (
	"math/rand"
	"testing"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/enum"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	simplest = "fallback/solid-pulse"
	middle   = "fallback/radial-bars"
	richest  = "fallback/spectrum-tunnel"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSelector(t *testing.T) (*Selector, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s, err := NewSelector(config.DefaultAppConfig().Fallback,
		WithRand(rand.New(rand.NewSource(1))), WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock
}

func TestDecisionTable(t *testing.T) {
	cases := []struct {
		name string
		ctx  Context
		want string
	}{
		{"mobile quiet", Context{enum.DeviceTierMobile, 0.1}, simplest},
		{"mobile loud", Context{enum.DeviceTierMobile, 0.9}, simplest},
		{"low end quiet", Context{enum.DeviceTierLowEnd, 0.3}, simplest},
		{"low end loud", Context{enum.DeviceTierLowEnd, 0.31}, middle},
		{"mid range quiet", Context{enum.DeviceTierMidRange, 0.5}, middle},
		{"mid range loud", Context{enum.DeviceTierMidRange, 0.6}, richest},
		{"high end loud", Context{enum.DeviceTierHighEnd, 1.0}, richest},
		{"high end quiet", Context{enum.DeviceTierHighEnd, 0.0}, middle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSelector(t)
			assert.Equal(t, tc.want, s.Select(tc.ctx))
		})
	}
}

func TestNoRepeatWithinCooldown(t *testing.T) {
	s, clock := newTestSelector(t)
	ctx := Context{DeviceTier: enum.DeviceTierMobile}

	prev := s.Select(ctx)
	for i := 0; i < 50; i++ {
		clock.Advance(time.Second)
		next := s.Select(ctx)
		assert.NotEqual(t, prev, next, "call %d", i)
		prev = next
	}
}

func TestRepeatAllowedAfterCooldown(t *testing.T) {
	s, clock := newTestSelector(t)
	ctx := Context{DeviceTier: enum.DeviceTierMobile}
	assert.Equal(t, simplest, s.Select(ctx))
	clock.Advance(10 * time.Second)
	assert.Equal(t, simplest, s.Select(ctx))
}

func TestUsageAndLast(t *testing.T) {
	s, clock := newTestSelector(t)
	ctx := Context{DeviceTier: enum.DeviceTierHighEnd, AudioLevel: 0.9}
	s.Select(ctx)
	clock.Advance(time.Minute)
	s.Select(ctx)
	assert.Equal(t, 2, s.Usage()[richest])
	assert.Equal(t, richest, s.Last())
	assert.Equal(t, []string{simplest, middle, richest}, s.Catalog())
	assert.True(t, s.IsFallback(middle))
	assert.False(t, s.IsFallback("user/preset"))
}

func TestSelectAvoidingBlocked(t *testing.T) {
	s, _ := newTestSelector(t)
	blocked := func(id string) bool { return id == simplest }
	assert.Equal(t, middle, s.SelectAvoiding(Context{DeviceTier: enum.DeviceTierMobile}, blocked))

	all := func(string) bool { return true }
	got := s.SelectAvoiding(Context{DeviceTier: enum.DeviceTierMobile}, all)
	assert.Contains(t, s.Catalog(), got)
}

func TestCatalogTooSmall(t *testing.T) {
	cfg := config.DefaultAppConfig().Fallback
	cfg.Catalog = cfg.Catalog[:2]
	_, err := NewSelector(cfg)
	assert.Error(t, err)
}
