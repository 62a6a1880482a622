package heatmap

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// DivergingScale runs red -> amber -> green; the middle stop sits at zero.
var DivergingScale = []string{"#ef4444", "#f59e0b", "#22c55e"}

func parseHex(hex string) colorful.Color {
	c, err := colorful.Hex(hex)
	if err != nil {
		return colorful.Color{}
	}
	return c
}

// ColorRange returns the symmetric bound used for the scale: the largest
// absolute value, never below minBound.
func ColorRange(values []float64, minBound float64) float64 {
	bound := minBound
	for _, v := range values {
		if a := math.Abs(v); a > bound && !math.IsInf(a, 0) {
			bound = a
		}
	}
	return bound
}

// ColorFor maps v in [-bound, bound] onto scale, clamping outside values.
func ColorFor(v, bound float64, scale []string) string {
	if len(scale) == 0 {
		return ""
	}
	if len(scale) == 1 || bound <= 0 || math.IsNaN(v) {
		return scale[len(scale)/2]
	}
	t := (v + bound) / (2 * bound)
	t = math.Max(0, math.Min(1, t))

	pos := t * float64(len(scale)-1)
	i := int(math.Floor(pos))
	if i >= len(scale)-1 {
		return parseHex(scale[len(scale)-1]).Hex()
	}
	return parseHex(scale[i]).BlendRgb(parseHex(scale[i+1]), pos-float64(i)).Hex()
}
