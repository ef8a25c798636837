package targets

import (
	"math"
	"math/rand"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Animator wanders a target around a center with layered sine noise. It is
// the demo driver of the run command when no feed is configured.
type Animator struct {
	mu sync.RWMutex

	enabled   bool
	center    mgl64.Vec3
	amplitude float64
	rate      float64
	time      float64

	noiseOffsets [3]float64
}

// NewAnimator creates an animator. The seed fixes the noise phases.
func NewAnimator(center mgl64.Vec3, amplitude, rate float64, seed int64) *Animator {
	a := &Animator{
		enabled:   true,
		center:    center,
		amplitude: amplitude,
		rate:      rate,
	}

	rng := rand.New(rand.NewSource(seed))
	for i := range a.noiseOffsets {
		a.noiseOffsets[i] = rng.Float64() * 100
	}
	return a
}

func (a *Animator) SetEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// Update advances the animation clock by dt seconds.
func (a *Animator) Update(dt float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return
	}
	a.time += dt
}

// Position returns the current target position.
func (a *Animator) Position() mgl64.Vec3 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t := a.time * a.rate
	offset := mgl64.Vec3{
		noise(t, a.noiseOffsets[0]),
		noise(t*0.8, a.noiseOffsets[1]),
		noise(t*0.6, a.noiseOffsets[2]),
	}
	return a.center.Add(offset.Mul(a.amplitude))
}

// Transform returns the current target as a pure translation. Bind it to a
// store slot to drive that slot.
func (a *Animator) Transform() mgl64.Mat4 {
	p := a.Position()
	return mgl64.Translate3D(p[0], p[1], p[2])
}

func (a *Animator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.time = 0
}

// noise is a cheap smooth stand-in for Perlin noise, bounded by [-1, 1].
func noise(t, offset float64) float64 {
	t += offset

	n1 := math.Sin(t * 1.0)
	n2 := math.Sin(t*2.3+1.7) * 0.5
	n3 := math.Sin(t*4.1+3.2) * 0.25

	return (n1 + n2 + n3) / 1.75
}
