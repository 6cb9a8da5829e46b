package brand

import (
	"math/rand"
	"testing"
)

// two well-separated brand clusters in a 3-feature space
func brandDataset(n int, seed int64) ([][]float64, []string) {
	rng := rand.New(rand.NewSource(seed))
	samples := make([][]float64, 0, n)
	brands := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			samples = append(samples, []float64{
				2 + rng.Float64(),
				3000 + rng.Float64()*200,
				5 + rng.Float64()*0.3,
			})
			brands = append(brands, "nordic")
		} else {
			samples = append(samples, []float64{
				12 + rng.Float64(),
				5000 + rng.Float64()*200,
				6.5 + rng.Float64()*0.3,
			})
			brands = append(brands, "zenith")
		}
	}
	return samples, brands
}

func TestTrainSeparatesBrandClusters(t *testing.T) {
	samples, brands := brandDataset(80, 1)
	model, err := Train(samples, brands, []string{"ram_gb", "battery_mah", "screen_inches"}, "brand_boo", "v1", DefaultTrainOptions())
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}

	classes := model.Classes()
	if len(classes) != 2 || classes[0] != "nordic" || classes[1] != "zenith" {
		t.Fatalf("expected sorted class table [nordic zenith], got %v", classes)
	}

	acc := model.Accuracy(samples, brands)
	if acc < 0.9 {
		t.Fatalf("expected high training accuracy on separable clusters, got %v", acc)
	}

	p := model.Predict([]float64{12.5, 5100, 6.6})
	if p.Brand != "zenith" {
		t.Fatalf("expected zenith for a high-spec sample, got %+v", p)
	}
}

func TestTrainFiltersRareBrands(t *testing.T) {
	samples, brands := brandDataset(40, 2)
	samples = append(samples, []float64{7, 4000, 6})
	brands = append(brands, "one_off")

	model, err := Train(samples, brands, []string{"ram_gb", "battery_mah", "screen_inches"}, "brand_boo", "v1", DefaultTrainOptions())
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	for _, c := range model.Classes() {
		if c == "one_off" {
			t.Fatal("single-sample brand should have been filtered out")
		}
	}
}

func TestTrainNeedsTwoClasses(t *testing.T) {
	samples := [][]float64{{1, 2, 3}, {1, 2, 3}, {1, 2, 3}}
	brands := []string{"solo", "solo", "solo"}
	if _, err := Train(samples, brands, []string{"a", "b", "c"}, "brand_boo", "v1", DefaultTrainOptions()); err == nil {
		t.Fatal("expected error with a single class")
	}
}

func TestPredictWrongWidthIsUnknown(t *testing.T) {
	samples, brands := brandDataset(40, 3)
	model, err := Train(samples, brands, []string{"ram_gb", "battery_mah", "screen_inches"}, "brand_boo", "v1", DefaultTrainOptions())
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	if p := model.Predict([]float64{1}); p.ClassIndex != -1 {
		t.Fatalf("wrong-width vector should be unknown, got %+v", p)
	}
}

func TestArtifactRoundTripPreservesPredictions(t *testing.T) {
	samples, brands := brandDataset(60, 4)
	model, err := Train(samples, brands, []string{"ram_gb", "battery_mah", "screen_inches"}, "brand_boo", "v1", DefaultTrainOptions())
	if err != nil {
		t.Fatalf("train failed: %v", err)
	}
	blob, err := model.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	restored, err := UnmarshalBinary(blob)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		want := model.Predict(samples[i])
		got := restored.Predict(samples[i])
		if got != want {
			t.Fatalf("row %d diverges after round trip: %+v vs %+v", i, got, want)
		}
	}
}
