package frame

import (
	"math"
	"math/rand/v2"
)

// NewRand returns the deterministic generator used for every seeded step.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Sample draws round(frac*n) distinct rows without replacement, keeping the
// draw order. frac >= 1 returns every row in original order.
func (f *Frame) Sample(frac float64, seed uint64) *Frame {
	if frac >= 1 {
		return f
	}
	n := int(math.Round(frac * float64(f.rows)))
	return f.Take(NewRand(seed).Perm(f.rows)[:n])
}

// SampleN draws min(n, rows) distinct rows without replacement.
func (f *Frame) SampleN(n int, seed uint64) *Frame {
	if n >= f.rows {
		return f
	}
	return f.Take(NewRand(seed).Perm(f.rows)[:n])
}

// Partition holds row indices of the three training partitions.
type Partition struct {
	Train []int
	Valid []int
	Test  []int
}

// Split carves off a holdout fraction and halves it into validation and
// test. Training gets floor((1-holdout)*n) rows; validation takes the
// larger half of the remainder.
func Split(n int, holdout float64, seed uint64) Partition {
	rng := NewRand(seed)
	nTrain := int(math.Floor(float64(n)*(1-holdout) + 1e-9))
	if nTrain < 0 {
		nTrain = 0
	}
	perm := rng.Perm(n)
	rest := perm[nTrain:]
	shuffled := make([]int, len(rest))
	for i, j := range rng.Perm(len(rest)) {
		shuffled[i] = rest[j]
	}
	nValid := (len(shuffled) + 1) / 2
	return Partition{
		Train: perm[:nTrain],
		Valid: shuffled[:nValid],
		Test:  shuffled[nValid:],
	}
}

// KFold returns contiguous, unshuffled folds; the first n%k folds get one
// extra row.
func KFold(n, k int) [][]int {
	if k < 2 {
		k = 2
	}
	if k > n {
		k = n
	}
	folds := make([][]int, 0, k)
	start := 0
	for i := 0; i < k; i++ {
		size := n / k
		if i < n%k {
			size++
		}
		fold := make([]int, size)
		for j := range fold {
			fold[j] = start + j
		}
		folds = append(folds, fold)
		start += size
	}
	return folds
}

// Complement returns 0..n-1 without the given rows.
func Complement(n int, rows []int) []int {
	skip := make(map[int]struct{}, len(rows))
	for _, r := range rows {
		skip[r] = struct{}{}
	}
	out := make([]int, 0, n-len(rows))
	for i := 0; i < n; i++ {
		if _, ok := skip[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}
