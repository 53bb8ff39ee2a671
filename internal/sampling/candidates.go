package sampling

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"

	"llmnode/internal/engine"
)

// Candidate is one vocabulary entry under consideration.
type Candidate struct {
	ID    engine.TokenID
	Logit float32
	P     float32
}

// Candidates is the working set the filters narrow down. P values are valid
// after Softmax and become stale once a filter drops entries.
type Candidates struct {
	Data   []Candidate
	Sorted bool
}

// NewCandidates copies logits into a candidate set ordered by id.
func NewCandidates(logits []float32) *Candidates {
	c := &Candidates{Data: make([]Candidate, len(logits))}
	for i, l := range logits {
		c.Data[i] = Candidate{ID: engine.TokenID(i), Logit: l}
	}
	return c
}

// Len reports the number of remaining candidates.
func (c *Candidates) Len() int { return len(c.Data) }

// sort orders by descending logit; equal logits keep the lower id first.
func (c *Candidates) sort() {
	if c.Sorted {
		return
	}
	slices.SortFunc(c.Data, func(a, b Candidate) int {
		if r := cmp.Compare(b.Logit, a.Logit); r != 0 {
			return r
		}
		return cmp.Compare(a.ID, b.ID)
	})
	c.Sorted = true
}

// Softmax sorts the candidates and sets P to the normalized distribution.
func Softmax(c *Candidates) {
	if len(c.Data) == 0 {
		return
	}
	c.sort()
	maxL := c.Data[0].Logit
	if math.IsInf(float64(maxL), -1) {
		u := 1 / float32(len(c.Data))
		for i := range c.Data {
			c.Data[i].P = u
		}
		return
	}
	var sum float64
	for i := range c.Data {
		p := math.Exp(float64(c.Data[i].Logit - maxL))
		c.Data[i].P = float32(p)
		sum += p
	}
	for i := range c.Data {
		c.Data[i].P = float32(float64(c.Data[i].P) / sum)
	}
}

// TopK keeps the k highest-logit candidates. k <= 0 keeps everything.
func TopK(c *Candidates, k, minKeep int) {
	if k <= 0 {
		k = len(c.Data)
	}
	k = min(max(k, minKeep), len(c.Data))
	c.sort()
	c.Data = c.Data[:k]
}

// TailFree drops the tail where the second derivative of the sorted
// probabilities has accumulated more than z of its mass.
func TailFree(c *Candidates, z float32, minKeep int) {
	if z >= 1 || len(c.Data) <= 2 {
		return
	}
	Softmax(c)
	d1 := make([]float32, len(c.Data)-1)
	for i := range d1 {
		d1[i] = c.Data[i].P - c.Data[i+1].P
	}
	d2 := make([]float32, len(d1)-1)
	var sum float32
	for i := range d2 {
		d2[i] = float32(math.Abs(float64(d1[i] - d1[i+1])))
		sum += d2[i]
	}
	if sum == 0 {
		return
	}
	last := len(c.Data)
	var cum float32
	for i := range d2 {
		cum += d2[i] / sum
		if cum > z && i >= minKeep {
			last = i
			break
		}
	}
	c.Data = c.Data[:last]
}

// Typical keeps the locally typical candidates: those whose surprise is
// closest to the distribution's entropy, up to cumulative mass p.
func Typical(c *Candidates, p float32, minKeep int) {
	if p >= 1 {
		return
	}
	Softmax(c)
	var entropy float64
	for _, cd := range c.Data {
		if cd.P > 0 {
			entropy -= float64(cd.P) * math.Log(float64(cd.P))
		}
	}
	type scored struct {
		cd    Candidate
		shift float64
	}
	sc := make([]scored, len(c.Data))
	for i, cd := range c.Data {
		shift := math.Inf(1)
		if cd.P > 0 {
			shift = math.Abs(-math.Log(float64(cd.P)) - entropy)
		}
		sc[i] = scored{cd: cd, shift: shift}
	}
	slices.SortStableFunc(sc, func(a, b scored) int { return cmp.Compare(a.shift, b.shift) })
	last := len(sc)
	var cum float32
	for i := range sc {
		cum += sc[i].cd.P
		if cum > p && i >= minKeep-1 {
			last = i + 1
			break
		}
	}
	out := make([]Candidate, last)
	for i := range out {
		out[i] = sc[i].cd
	}
	c.Data = out
	c.Sorted = false
}

// TopP keeps the smallest probability-sorted prefix whose mass reaches p.
func TopP(c *Candidates, p float32, minKeep int) {
	if p >= 1 {
		return
	}
	Softmax(c)
	last := len(c.Data)
	var cum float32
	for i := range c.Data {
		cum += c.Data[i].P
		if cum >= p && i+1 >= minKeep {
			last = i + 1
			break
		}
	}
	c.Data = c.Data[:last]
}

// Temperature scales every logit by 1/t.
func Temperature(c *Candidates, t float32) {
	for i := range c.Data {
		c.Data[i].Logit /= t
	}
}

// draw samples one candidate proportionally to its probability and returns
// its index in c.Data.
func draw(c *Candidates, rng *rand.Rand) int {
	Softmax(c)
	r := float32(rng.Float64())
	var cum float32
	for i := range c.Data {
		cum += c.Data[i].P
		if r < cum {
			return i
		}
	}
	return len(c.Data) - 1
}

// Greedy returns the index of the largest logit, lowest index on ties.
func Greedy(logits []float32) engine.TokenID {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return engine.TokenID(best)
}
