package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png"
	"log"
	"math/bits"
	"sync"

	"golang.org/x/image/draw"

	"github.com/rahul/datastory/internal/pipeline"
)

// HashSimilarity compares chart artifacts by a 64-bit difference hash.
// Similarity is the share of matching hash bits.
type HashSimilarity struct {
	ws *Workspace

	mu    sync.Mutex
	cache map[string]uint64
}

var _ pipeline.SimilarityChecker = (*HashSimilarity)(nil)

func NewHashSimilarity(ws *Workspace) *HashSimilarity {
	return &HashSimilarity{ws: ws, cache: make(map[string]uint64)}
}

func (h *HashSimilarity) Check(ctx context.Context, candidate string, existing []string, threshold float64) (pipeline.SimilarityResult, error) {
	var res pipeline.SimilarityResult
	want, err := h.hash(candidate)
	if err != nil {
		return res, err
	}
	for _, name := range existing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if name == "" || name == candidate {
			continue
		}
		got, err := h.hash(name)
		if err != nil {
			log.Printf("[similarity] skipping %s: %v", name, err)
			continue
		}
		sim := Similarity(want, got)
		if sim > res.MaxSimilarity || res.Match == "" {
			res.MaxSimilarity = sim
			res.Match = name
		}
	}
	res.Duplicate = res.Match != "" && res.MaxSimilarity >= threshold
	return res, nil
}

func (h *HashSimilarity) hash(name string) (uint64, error) {
	h.mu.Lock()
	v, ok := h.cache[name]
	h.mu.Unlock()
	if ok {
		return v, nil
	}

	data, err := h.ws.ReadFile(name)
	if err != nil {
		return 0, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", name, err)
	}
	v = DHash(img)

	h.mu.Lock()
	h.cache[name] = v
	h.mu.Unlock()
	return v, nil
}

// DHash scales img to 9x8 grey and sets one bit per pixel that is brighter
// than its right neighbour.
func DHash(img image.Image) uint64 {
	small := image.NewGray(image.Rect(0, 0, 9, 8))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	for y := range 8 {
		for x := range 8 {
			if small.GrayAt(x, y).Y > small.GrayAt(x+1, y).Y {
				hash |= 1 << uint(y*8+x)
			}
		}
	}
	return hash
}

func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}
