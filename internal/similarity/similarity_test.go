package similarity

import (
	"math"
	"testing"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"go", "memory"}, []string{"memory", "go"}, 1},
		{"disjoint", []string{"go"}, []string{"python"}, 0},
		{"half", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"empty right", []string{"a"}, nil, 0},
		{"empty left", nil, []string{"a"}, 0},
		{"both empty", nil, nil, 0},
		{"duplicates ignored", []string{"a", "a", "b"}, []string{"a", "b"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Jaccard(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestJaccard_Symmetric(t *testing.T) {
	pairs := [][2][]string{
		{{"a", "b", "c"}, {"c", "d"}},
		{{"memory-architecture"}, {"memory-architecture", "go-concurrency"}},
		{{"x"}, {}},
	}
	for _, p := range pairs {
		if ab, ba := Jaccard(p[0], p[1]), Jaccard(p[1], p[0]); ab != ba {
			t.Errorf("Jaccard not symmetric for %v: %v vs %v", p, ab, ba)
		}
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"same direction", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"nil left", nil, []float32{1}, 0},
		{"nil right", []float32{1}, nil, 0},
		{"length mismatch", []float32{1, 2}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestMean(t *testing.T) {
	got := Mean([]float32{1, 1}, 3, []float32{5, 1})
	want := []float32{2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Mean = %v, want %v", got, want)
		}
	}

	v := []float32{3, 4}
	first := Mean(nil, 0, v)
	first[0] = 99
	if v[0] != 3 {
		t.Error("Mean must not alias its input")
	}
}
