package demo

import (
	"context"
	"errors"
	"testing"

	"VisualSphere/src/compile"
	"VisualSphere/src/library/entity"
	"VisualSphere/src/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogResolver(t *testing.T) {
	r := NewCatalogResolver("preset/aurora", "preset/broken")

	src, err := r.Resolve("preset/aurora")
	require.NoError(t, err)
	_, err = compile.BinaryCompiler{}.Compile(context.Background(), src, 0)
	assert.NoError(t, err)

	src, err = r.Resolve("preset/broken")
	require.NoError(t, err)
	_, err = compile.BinaryCompiler{}.Compile(context.Background(), src, 0)
	assert.Error(t, err)

	_, err = r.Resolve("preset/missing")
	assert.Error(t, err)
	assert.Len(t, r.IDs(), 2)
}

func TestSurfaceBehaviours(t *testing.T) {
	s := NewSurface(8, 4)
	ctx := context.Background()
	audio := orchestrator.AudioFeatures{Bass: 0.5, Treble: 0.5}

	require.NoError(t, s.Render(ctx, &entity.CompiledProgram{ProgramID: "preset/void"}, audio))
	px, w, h, err := s.ReadPixels()
	require.NoError(t, err)
	assert.Equal(t, 8, w)
	assert.Equal(t, 4, h)
	assert.Equal(t, byte(0), px[0])

	err = s.Render(ctx, &entity.CompiledProgram{ProgramID: "preset/trap"}, audio)
	var trap *orchestrator.RuntimeTrap
	assert.True(t, errors.As(err, &trap))

	require.NoError(t, s.Render(ctx, &entity.CompiledProgram{ProgramID: "preset/aurora"}, audio))
	first, _, _, _ := s.ReadPixels()
	require.NoError(t, s.Render(ctx, &entity.CompiledProgram{ProgramID: "preset/aurora"}, audio))
	second, _, _, _ := s.ReadPixels()
	assert.NotEqual(t, first, second)
}

func TestSineAudioInRange(t *testing.T) {
	a := NewSineAudio()
	f := a.Features()
	for _, v := range []float64{f.Bass, f.Mid, f.Treble, f.Level} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
