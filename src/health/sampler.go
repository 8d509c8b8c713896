package health

import (
	"hash/fnv"
	"math/rand"
)

// bytesPerPixel 帧缓冲为 RGBA
const bytesPerPixel = 4

// stratifiedPositions 把 pixels 个像素均分为 n 个区域，每个区域随机取一个像素
func stratifiedPositions(rng *rand.Rand, pixels, n int) []int {
	if n > pixels {
		n = pixels
	}
	if n <= 0 {
		return nil
	}
	positions := make([]int, n)
	for i := 0; i < n; i++ {
		start := i * pixels / n
		end := (i + 1) * pixels / n
		positions[i] = start + rng.Intn(end-start)
	}
	return positions
}

// luma Rec.601 亮度
func luma(r, g, b float64) float64 {
	return 0.299*r + 0.587*g + 0.114*b
}

// hashRGB 对采样点的 RGB 做顺序敏感的 FNV-1a 32位哈希
func hashRGB(frame []byte, positions []int) uint32 {
	h := fnv.New32a()
	buf := make([]byte, 0, len(positions)*3)
	for _, p := range positions {
		off := p * bytesPerPixel
		buf = append(buf, frame[off], frame[off+1], frame[off+2])
	}
	_, _ = h.Write(buf)
	return h.Sum32()
}
