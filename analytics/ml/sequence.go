package ml

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"ev-demand-analytics-engine/config"
)

// MinMaxScaler maps values into [0, 1] using the range seen by Fit
type MinMaxScaler struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Fit records the minimum and maximum of values
func (s *MinMaxScaler) Fit(values []float64) {
	if len(values) == 0 {
		s.Min, s.Max = 0, 0
		return
	}
	s.Min, s.Max = floats.Min(values), floats.Max(values)
}

// Transform scales v; a constant series maps to 0
func (s MinMaxScaler) Transform(v float64) float64 {
	r := s.Max - s.Min
	if r == 0 {
		return 0
	}
	return (v - s.Min) / r
}

// Inverse maps a scaled value back to the original range
func (s MinMaxScaler) Inverse(v float64) float64 {
	return v*(s.Max-s.Min) + s.Min
}

// SequenceModel is a single-layer Elman recurrent network over sliding
// windows of scaled vehicle counts, trained by backpropagation through time
// with Adam.
type SequenceModel struct {
	lookBack     int
	hidden       int
	epochs       int
	batchSize    int
	learningRate float64
	clipNorm     float64
	maxWindows   int
	seed         int64

	scaler  MinMaxScaler
	params  []float64
	seedWin []float64
	trained bool
}

// NewSequenceModel creates a recurrent model from configuration
func NewSequenceModel(cfg config.SequenceConfig) *SequenceModel {
	return &SequenceModel{
		lookBack:     cfg.LookBack,
		hidden:       cfg.HiddenSize,
		epochs:       cfg.Epochs,
		batchSize:    cfg.BatchSize,
		learningRate: cfg.LearningRate,
		clipNorm:     cfg.ClipNorm,
		maxWindows:   cfg.MaxWindows,
		seed:         cfg.Seed,
	}
}

func (m *SequenceModel) Name() string { return ModelSequence }

// LookBack returns the window length
func (m *SequenceModel) LookBack() int { return m.lookBack }

// Scaler returns the scaler fit on the training counts
func (m *SequenceModel) Scaler() MinMaxScaler { return m.scaler }

// parameter layout inside params: Wx[H] Wh[H*H] b[H] Wy[H] by[1]
func (m *SequenceModel) offsets() (wx, wh, b, wy, by int) {
	H := m.hidden
	wx = 0
	wh = wx + H
	b = wh + H*H
	wy = b + H
	by = wy + H
	return
}

func (m *SequenceModel) numParams() int {
	H := m.hidden
	return 3*H + H*H + 1
}

// Train fits the scaler and the network on the training-table counts
func (m *SequenceModel) Train(ds *Dataset) error {
	m.trained = false
	series := ds.TrainingCounts()
	if len(series) < m.lookBack+1 {
		return insufficient(len(series), m.lookBack+1)
	}

	m.scaler.Fit(series)
	scaled := make([]float64, len(series))
	for i, v := range series {
		scaled[i] = m.scaler.Transform(v)
	}

	start := 0
	numWindows := len(scaled) - m.lookBack
	if m.maxWindows > 0 && numWindows > m.maxWindows {
		start = numWindows - m.maxWindows
	}
	var windows []int
	for i := start; i < numWindows; i++ {
		windows = append(windows, i)
	}

	rng := rand.New(rand.NewSource(m.seed))
	m.initParams(rng)

	grad := make([]float64, m.numParams())
	opt := newAdam(m.numParams(), m.learningRate)
	cache := m.newForwardCache()

	batch := m.batchSize
	if batch <= 0 {
		batch = len(windows)
	}

	for epoch := 0; epoch < m.epochs; epoch++ {
		rng.Shuffle(len(windows), func(i, j int) { windows[i], windows[j] = windows[j], windows[i] })

		for lo := 0; lo < len(windows); lo += batch {
			hi := lo + batch
			if hi > len(windows) {
				hi = len(windows)
			}

			for i := range grad {
				grad[i] = 0
			}
			for _, w := range windows[lo:hi] {
				x := scaled[w : w+m.lookBack]
				yHat := m.forward(x, cache)
				m.backward(x, yHat-scaled[w+m.lookBack], cache, grad)
			}
			floats.Scale(1/float64(hi-lo), grad)

			if m.clipNorm > 0 {
				if norm := floats.Norm(grad, 2); norm > m.clipNorm {
					floats.Scale(m.clipNorm/norm, grad)
				}
			}
			opt.step(m.params, grad)
		}
	}

	m.seedWin = append([]float64(nil), scaled[len(scaled)-m.lookBack:]...)
	m.trained = true
	return nil
}

// Predict rolls the window forward one step at a time, feeding each scaled
// prediction back in, then inverse-transforms with the training scaler.
func (m *SequenceModel) Predict(horizon int) ([]float64, error) {
	if !m.trained {
		return nil, ErrNotTrained
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}

	window := append([]float64(nil), m.seedWin...)
	cache := m.newForwardCache()
	out := make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		next := m.forward(window, cache)
		out[h] = m.scaler.Inverse(next)
		copy(window, window[1:])
		window[len(window)-1] = next
	}
	return out, nil
}

func (m *SequenceModel) initParams(rng *rand.Rand) {
	H := m.hidden
	m.params = make([]float64, m.numParams())
	wx, wh, _, wy, _ := m.offsets()

	inLimit := math.Sqrt(6.0 / float64(1+H))
	recLimit := 1 / math.Sqrt(float64(H))
	outLimit := math.Sqrt(6.0 / float64(H+1))
	for i := 0; i < H; i++ {
		m.params[wx+i] = (2*rng.Float64() - 1) * inLimit
		m.params[wy+i] = (2*rng.Float64() - 1) * outLimit
	}
	for i := 0; i < H*H; i++ {
		m.params[wh+i] = (2*rng.Float64() - 1) * recLimit
	}
}

// forwardCache holds hidden states h_0..h_T for backpropagation
type forwardCache struct {
	h  [][]float64
	dh []float64
	dz []float64
}

func (m *SequenceModel) newForwardCache() *forwardCache {
	c := &forwardCache{
		h:  make([][]float64, m.lookBack+1),
		dh: make([]float64, m.hidden),
		dz: make([]float64, m.hidden),
	}
	for t := range c.h {
		c.h[t] = make([]float64, m.hidden)
	}
	return c
}

func (m *SequenceModel) forward(x []float64, c *forwardCache) float64 {
	H := m.hidden
	wx, wh, b, wy, by := m.offsets()
	p := m.params

	for i := range c.h[0] {
		c.h[0][i] = 0
	}
	for t := 1; t <= len(x); t++ {
		prev, cur := c.h[t-1], c.h[t]
		for i := 0; i < H; i++ {
			z := p[wx+i]*x[t-1] + p[b+i] + floats.Dot(p[wh+i*H:wh+(i+1)*H], prev)
			cur[i] = math.Tanh(z)
		}
	}
	return floats.Dot(p[wy:wy+H], c.h[len(x)]) + p[by]
}

// backward accumulates gradients of 0.5*(yHat-y)^2 given dOut = yHat-y
func (m *SequenceModel) backward(x []float64, dOut float64, c *forwardCache, grad []float64) {
	H := m.hidden
	wx, wh, b, wy, by := m.offsets()
	p := m.params
	T := len(x)

	floats.AddScaled(grad[wy:wy+H], dOut, c.h[T])
	grad[by] += dOut

	dh := c.dh
	for i := 0; i < H; i++ {
		dh[i] = dOut * p[wy+i]
	}

	dz := c.dz
	for t := T; t >= 1; t-- {
		cur, prev := c.h[t], c.h[t-1]
		for i := 0; i < H; i++ {
			dz[i] = dh[i] * (1 - cur[i]*cur[i])
		}
		for i := 0; i < H; i++ {
			grad[wx+i] += dz[i] * x[t-1]
			grad[b+i] += dz[i]
			floats.AddScaled(grad[wh+i*H:wh+(i+1)*H], dz[i], prev)
		}
		// dh_{t-1} = Whᵀ dz
		for j := 0; j < H; j++ {
			dh[j] = 0
		}
		for i := 0; i < H; i++ {
			floats.AddScaled(dh, dz[i], p[wh+i*H:wh+(i+1)*H])
		}
	}
}

type adam struct {
	lr, beta1, beta2, eps float64
	m, v                  []float64
	t                     int
}

func newAdam(n int, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float64, n),
		v:     make([]float64, n),
	}
}

func (a *adam) step(params, grad []float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		params[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
	}
}
