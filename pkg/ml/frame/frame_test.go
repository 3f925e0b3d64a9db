package frame_test

import (
	"math"
	"testing"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	for _, n := range []int{0, 1, 7, 10, 11, 99, 1000, 1001, 4567} {
		p := frame.Split(n, 0.2, 42)
		assert.Equal(t, n*8/10, len(p.Train), "n=%d", n)
		rest := n - len(p.Train)
		assert.Equal(t, rest, len(p.Valid)+len(p.Test), "n=%d", n)
		assert.LessOrEqual(t, len(p.Valid)-len(p.Test), 1, "n=%d", n)
		assert.GreaterOrEqual(t, len(p.Valid)-len(p.Test), 0, "n=%d", n)

		seen := make(map[int]struct{}, n)
		for _, part := range [][]int{p.Train, p.Valid, p.Test} {
			for _, r := range part {
				_, dup := seen[r]
				assert.False(t, dup)
				seen[r] = struct{}{}
			}
		}
		assert.Len(t, seen, n)
	}

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, frame.Split(500, 0.2, 7), frame.Split(500, 0.2, 7))
		assert.NotEqual(t, frame.Split(500, 0.2, 7).Train, frame.Split(500, 0.2, 8).Train)
	})
}

func TestKFold(t *testing.T) {
	folds := frame.KFold(5, 2)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4}}, folds)
	assert.Equal(t, []int{3, 4}, frame.Complement(5, folds[0]))
}

func TestFromRows(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f, err := frame.FromRows(
		[]string{"id", "area", "city", "listed", "price"},
		[][]interface{}{
			{int64(1), 50.5, "Warsaw", day, []byte("100.5")},
			{int64(2), nil, nil, day, []byte("200")},
			{int64(3), float32(70), "Krakow", nil, nil},
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Len())

	area, ok := f.Column("area")
	require.True(t, ok)
	assert.Equal(t, frame.Numeric, area.Kind)
	assert.True(t, math.IsNaN(area.Num[1]))

	city, _ := f.Column("city")
	assert.Equal(t, frame.Categorical, city.Kind)
	assert.True(t, city.Null[1])
	assert.Equal(t, "Krakow", city.Cat[2])

	listed, _ := f.Column("listed")
	assert.Equal(t, frame.Categorical, listed.Kind)
	assert.Equal(t, "2024-03-01", listed.Cat[0])

	y, err := f.Target("price")
	require.NoError(t, err)
	assert.Equal(t, 100.5, y[0])
	assert.True(t, math.IsNaN(y[2]))

	_, err = f.Target("missing")
	assert.Error(t, err)
}

func TestTakeDropSample(t *testing.T) {
	f, err := frame.New(
		frame.NumericColumn("x", []float64{1, 2, 3, 4}),
		frame.CategoricalColumn("c", []string{"a", "", "b", "a"}),
	)
	require.NoError(t, err)

	sub := f.Take([]int{3, 0})
	x, _ := sub.Column("x")
	assert.Equal(t, []float64{4, 1}, x.Num)
	c, _ := sub.Column("c")
	assert.Equal(t, []string{"a", "a"}, c.Cat)

	assert.Equal(t, []string{"c"}, f.Drop("x", "nope").Names())
	assert.Equal(t, 2, f.Sample(0.5, 1).Len())
	assert.Equal(t, 4, f.Sample(1, 1).Len())
	assert.Equal(t, 4, f.SampleN(10, 1).Len())

	_, err = frame.New(frame.NumericColumn("x", []float64{1}), frame.NumericColumn("y", []float64{1, 2}))
	assert.Error(t, err)
}
