package testutil

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/frame"
)

var (
	cities  = []string{"warszawa", "krakow", "gdansk", "wroclaw"}
	markets = []string{"primary", "secondary"}
)

// HousingFrame builds a synthetic gold table with an identifier, five
// numeric features, two categorical features and the price_total target.
// A few feature values are missing.
func HousingFrame(t *testing.T, n int, seed uint64) *frame.Frame {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	ids := make([]string, n)
	area := make([]float64, n)
	rooms := make([]float64, n)
	floor := make([]float64, n)
	year := make([]float64, n)
	dist := make([]float64, n)
	city := make([]string, n)
	market := make([]string, n)
	price := make([]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = fmt.Sprintf("L%05d", i+1)
		area[i] = 25 + rng.Float64()*95
		rooms[i] = float64(1 + rng.IntN(5))
		floor[i] = float64(rng.IntN(12))
		year[i] = float64(1950 + rng.IntN(74))
		dist[i] = rng.Float64() * 15
		city[i] = cities[rng.IntN(len(cities))]
		market[i] = markets[rng.IntN(len(markets))]

		perM2 := 9000.0
		if city[i] == "warszawa" {
			perM2 = 15000
		}
		price[i] = area[i]*perM2 + rooms[i]*20000 - dist[i]*8000 + (year[i]-1950)*1000 + rng.NormFloat64()*10000
		if market[i] == "primary" {
			price[i] += 40000
		}

		if i%37 == 5 {
			area[i] = math.NaN()
		}
		if i%53 == 7 {
			city[i] = ""
		}
	}

	f, err := frame.New(
		frame.CategoricalColumn("listing_id", ids),
		frame.NumericColumn("area_m2", area),
		frame.NumericColumn("rooms", rooms),
		frame.NumericColumn("floor", floor),
		frame.NumericColumn("build_year", year),
		frame.NumericColumn("dist_center_km", dist),
		frame.CategoricalColumn("city", city),
		frame.CategoricalColumn("market", market),
		frame.NumericColumn("price_total", price),
	)
	if err != nil {
		t.Fatalf("build housing frame: %v", err)
	}
	return f
}
