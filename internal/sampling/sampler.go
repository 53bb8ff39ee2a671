package sampling

import (
	"math"
	"math/rand/v2"

	"llmnode/internal/engine"
)

const (
	minKeep     = 1
	mirostatV1M = 100
)

// Sampler picks one token per call. It is stateful only through its RNG and,
// under mirostat, the running target surprise mu; use one Sampler per
// generation.
type Sampler struct {
	cfg Config
	rng *rand.Rand
	mu  float32
}

// NewSampler builds a sampler. A non-nil seed makes every draw reproducible;
// otherwise the RNG is seeded from the runtime's entropy source.
func NewSampler(cfg Config, seed *uint64) *Sampler {
	var src *rand.PCG
	if seed != nil {
		src = rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)
	} else {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{cfg: cfg, rng: rand.New(src), mu: 2 * cfg.MirostatTau}
}

// Mu returns the current mirostat target surprise.
func (s *Sampler) Mu() float32 { return s.mu }

// Sample chooses the next token from post-penalty logits.
func (s *Sampler) Sample(logits []float32) engine.TokenID {
	if s.cfg.Temperature <= 0 {
		return Greedy(logits)
	}
	c := NewCandidates(logits)
	switch s.cfg.Mirostat {
	case MirostatV1:
		Temperature(c, s.cfg.Temperature)
		return s.mirostatV1(c, len(logits))
	case MirostatV2:
		Temperature(c, s.cfg.Temperature)
		return s.mirostatV2(c)
	}
	TopK(c, s.cfg.TopK, minKeep)
	TailFree(c, s.cfg.TailFreeZ, minKeep)
	Typical(c, s.cfg.TypicalP, minKeep)
	TopP(c, s.cfg.TopP, minKeep)
	Temperature(c, s.cfg.Temperature)
	return c.Data[draw(c, s.rng)].ID
}

func (s *Sampler) mirostatV1(c *Candidates, nVocab int) engine.TokenID {
	Softmax(c)
	var sumTiBi, sumTiSq float64
	for i := 0; i < mirostatV1M-1 && i < len(c.Data)-1; i++ {
		if c.Data[i+1].P == 0 {
			break
		}
		ti := math.Log(float64(i+2) / float64(i+1))
		bi := math.Log(float64(c.Data[i].P / c.Data[i+1].P))
		sumTiBi += ti * bi
		sumTiSq += ti * ti
	}
	k := 1.0
	if sumTiSq > 0 {
		sHat := sumTiBi / sumTiSq
		eps := sHat - 1
		k = math.Pow(eps*math.Pow(2, float64(s.mu))/(1-math.Pow(float64(nVocab), -eps)), 1/sHat)
	}
	if math.IsNaN(k) || k < 1 {
		k = 1
	}
	if k > float64(len(c.Data)) {
		k = float64(len(c.Data))
	}
	TopK(c, int(k), minKeep)
	idx := draw(c, s.rng)
	s.observe(c.Data[idx].P)
	return c.Data[idx].ID
}

func (s *Sampler) mirostatV2(c *Candidates) engine.TokenID {
	Softmax(c)
	keep := len(c.Data)
	for i, cd := range c.Data {
		if -math.Log2(float64(cd.P)) > float64(s.mu) {
			keep = i
			break
		}
	}
	c.Data = c.Data[:max(keep, 1)]
	idx := draw(c, s.rng)
	s.observe(c.Data[idx].P)
	return c.Data[idx].ID
}

// observe moves mu toward the target surprise tau.
func (s *Sampler) observe(p float32) {
	surprise := float32(-math.Log2(float64(p)))
	s.mu -= s.cfg.MirostatEta * (surprise - s.cfg.MirostatTau)
}
