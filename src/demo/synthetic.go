package demo

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"VisualSphere/src/compile"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/orchestrator"
)

// emptyModule 最小合法 wasm 模块：魔数加版本号
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// CatalogResolver 内置的演示程序目录
type CatalogResolver struct {
	programs map[string][]byte
}

// NewCatalogResolver 以 ids 注册合法的空模块；名称含 broken 的程序使用无法编译的内容
func NewCatalogResolver(ids ...string) *CatalogResolver {
	r := &CatalogResolver{programs: make(map[string][]byte, len(ids))}
	for _, id := range ids {
		if strings.Contains(id, "broken") {
			r.programs[id] = []byte("not a module")
			continue
		}
		r.programs[id] = emptyModule
	}
	return r
}

func (r *CatalogResolver) Resolve(programID string) (compile.PresetSource, error) {
	body, ok := r.programs[programID]
	if !ok {
		return compile.PresetSource{}, fmt.Errorf("unknown program %q", programID)
	}
	return compile.PresetSource{ID: programID, Body: body}, nil
}

// IDs 已注册的程序
func (r *CatalogResolver) IDs() []string {
	out := make([]string, 0, len(r.programs))
	for id := range r.programs {
		out = append(out, id)
	}
	return out
}

// SineAudio 以时间驱动的合成音频
type SineAudio struct {
	start time.Time
	now   func() time.Time
}

func NewSineAudio() *SineAudio {
	return &SineAudio{start: time.Now(), now: time.Now}
}

func (a *SineAudio) Features() orchestrator.AudioFeatures {
	t := a.now().Sub(a.start).Seconds()
	bass := 0.5 + 0.5*math.Sin(t*1.3)
	mid := 0.5 + 0.5*math.Sin(t*2.1+1)
	treble := 0.5 + 0.5*math.Sin(t*3.7+2)
	return orchestrator.AudioFeatures{
		Bass:   bass,
		Mid:    mid,
		Treble: treble,
		Level:  (bass + mid + treble) / 3,
	}
}

// Surface 软件渲染表面。名称含 void 的程序输出黑帧，含 frozen 的输出静止帧，含 trap 的渲染时出错
type Surface struct {
	mu     sync.Mutex
	width  int
	height int
	buf    []byte
	frame  int
}

func NewSurface(width, height int) *Surface {
	return &Surface{width: width, height: height, buf: make([]byte, width*height*4)}
}

func (s *Surface) Render(_ context.Context, program *entity.CompiledProgram, audio orchestrator.AudioFeatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame++

	if program == nil {
		s.fill(func(int, int) (byte, byte, byte) { return 24, 24, 28 })
		return nil
	}
	id := program.ProgramID
	switch {
	case strings.Contains(id, "trap"):
		return &orchestrator.RuntimeTrap{ProgramID: id, Cause: errors.New("wasm error: unreachable")}
	case strings.Contains(id, "void"):
		s.fill(func(int, int) (byte, byte, byte) { return 0, 0, 0 })
		return nil
	case strings.Contains(id, "frozen"):
		s.fill(func(x, y int) (byte, byte, byte) { return byte(x * 4), byte(y * 4), 90 })
		return nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	seed := int(h.Sum32() % 251)
	phase := s.frame
	s.fill(func(x, y int) (byte, byte, byte) {
		r := byte((x*3 + phase + seed) % 256)
		g := byte(float64((y*5+phase)%256) * (0.3 + 0.7*audio.Bass))
		b := byte(float64((x+y+seed)%256) * (0.3 + 0.7*audio.Treble))
		return r, g, b
	})
	return nil
}

func (s *Surface) fill(color func(x, y int) (byte, byte, byte)) {
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			i := (y*s.width + x) * 4
			s.buf[i], s.buf[i+1], s.buf[i+2] = color(x, y)
			s.buf[i+3] = 255
		}
	}
}

func (s *Surface) ReadPixels() ([]byte, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out, s.width, s.height, nil
}
