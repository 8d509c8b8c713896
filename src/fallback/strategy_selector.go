package fallback

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"VisualSphere/src/library/config"
	"VisualSphere/src/library/enum"
	"VisualSphere/src/library/log"
	"VisualSphere/src/library/monitor"
)

// minCatalog 目录至少包含的回退程序数
const minCatalog = 3

// Context 选择回退程序时的上下文
type Context struct {
	DeviceTier enum.DeviceTier
	AudioLevel float64
}

// Selector 回退程序选择器
type Selector struct {
	cfg     config.FallbackConfig
	catalog []string
	now     func() time.Time

	mu         sync.Mutex
	rng        *rand.Rand
	usage      map[string]int
	last       string
	lastSwitch time.Time
}

// Option 选择器选项
type Option func(*Selector)

// WithRand 注入随机源，测试时用于固定防重复的随机选择
func WithRand(rng *rand.Rand) Option { return func(s *Selector) { s.rng = rng } }

func WithClock(now func() time.Time) Option { return func(s *Selector) { s.now = now } }

// NewSelector 创建选择器，目录按由简到繁排列
func NewSelector(cfg config.FallbackConfig, opts ...Option) (*Selector, error) {
	if len(cfg.Catalog) < minCatalog {
		return nil, errors.New("fallback catalog needs at least 3 programs")
	}
	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Selector{
		cfg:     cfg,
		catalog: append([]string(nil), cfg.Catalog...),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(seed)),
		usage:   make(map[string]int, len(cfg.Catalog)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Select 按决策表选择回退程序
func (s *Selector) Select(ctx Context) string {
	return s.choose(ctx, s.catalog)
}

// SelectAvoiding 先排除被屏蔽的程序再选择；全部被屏蔽时退回 Select
func (s *Selector) SelectAvoiding(ctx Context, blocked func(programID string) bool) string {
	candidates := make([]string, 0, len(s.catalog))
	for _, id := range s.catalog {
		if blocked == nil || !blocked(id) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		log.Warning("every fallback program is blocked, ignoring blocklist")
		return s.Select(ctx)
	}
	return s.choose(ctx, candidates)
}

func (s *Selector) choose(ctx Context, candidates []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	pick := candidates[s.decide(ctx, len(candidates))]

	// 冷却期内不重复上一次的选择
	if pick == s.last && now.Sub(s.lastSwitch) < s.cfg.RepeatCooldown {
		others := make([]string, 0, len(candidates)-1)
		for _, id := range candidates {
			if id != pick {
				others = append(others, id)
			}
		}
		if len(others) > 0 {
			pick = others[s.rng.Intn(len(others))]
		}
	}

	s.usage[pick]++
	s.last = pick
	s.lastSwitch = now
	monitor.ObserveFallbackSelection(pick)
	log.Info("fallback selected: %s (tier=%s audio=%.2f)", pick, ctx.DeviceTier, ctx.AudioLevel)
	return pick
}

// decide 决策表，返回候选列表中的下标
func (s *Selector) decide(ctx Context, n int) int {
	last := n - 1
	switch ctx.DeviceTier {
	case enum.DeviceTierMobile:
		return 0
	case enum.DeviceTierLowEnd:
		if ctx.AudioLevel > s.cfg.LowEndAudioLevel && last >= 1 {
			return 1
		}
		return 0
	default:
		if ctx.AudioLevel > s.cfg.RichAudioLevel {
			return last
		}
		return n / 2
	}
}

// Usage 各回退程序被选中的次数
func (s *Selector) Usage() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.usage))
	for k, v := range s.usage {
		out[k] = v
	}
	return out
}

// Catalog 回退程序目录
func (s *Selector) Catalog() []string {
	return append([]string(nil), s.catalog...)
}

// Last 上一次选择的程序
func (s *Selector) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// IsFallback 判断程序是否属于回退目录
func (s *Selector) IsFallback(programID string) bool {
	for _, id := range s.catalog {
		if id == programID {
			return true
		}
	}
	return false
}
