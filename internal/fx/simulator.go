package fx

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"tradex-dashboard/internal/heatmap"
)

// Simulator fabricates an FX heatmap: each pair gets a random weight and a
// random percent change. It is a placeholder for a real FX feed.
type Simulator struct {
	pairs     []string
	maxChange float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulator seeds from the clock when seed is 0.
func NewSimulator(pairs []string, seed int64, maxChangePct float64) *Simulator {
	if len(pairs) == 0 {
		pairs = DefaultPairs
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if maxChangePct <= 0 {
		maxChangePct = 2
	}
	return &Simulator{
		pairs:     pairs,
		maxChange: maxChangePct,
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

func (s *Simulator) Generate(now time.Time, refreshSec int) heatmap.Heatmap {
	s.mu.Lock()
	weights := make([]float64, len(s.pairs))
	changes := make([]float64, len(s.pairs))
	for i := range s.pairs {
		weights[i] = 1 + s.rnd.Float64()*9
		changes[i] = math.Round((s.rnd.Float64()*2-1)*s.maxChange*100) / 100
	}
	s.mu.Unlock()

	bound := heatmap.ColorRange(changes, s.maxChange)
	h := heatmap.Heatmap{
		Status:     heatmap.StatusOK,
		Title:      "TRADEx • FX Heatmap (simulated)",
		UpdatedAt:  now.UTC().Format("02/01/2006 15:04:05"),
		RefreshSec: refreshSec,
		Source:     "simulated",
		Footer:     "Simulated data for layout purposes only.",
		ColorScale: heatmap.DivergingScale,
		ColorRange: [2]float64{-bound, bound},
		Tiles:      make([]heatmap.Tile, 0, len(s.pairs)),
	}
	for i, pair := range s.pairs {
		name := DisplayName(pair)
		h.Tiles = append(h.Tiles, heatmap.Tile{
			ID:         pair,
			Label:      fmt.Sprintf("%s\n%+.2f%%", name, changes[i]),
			Symbol:     name,
			Name:       pair,
			Value:      weights[i],
			ColorValue: changes[i],
			Color:      heatmap.ColorFor(changes[i], bound, heatmap.DivergingScale),
			Hover: heatmap.Hover{
				Name:   pair,
				Symbol: name,
				Price:  "-",
				Chg24:  fmt.Sprintf("%+.2f%%", changes[i]),
			},
		})
	}
	return h
}
