package tips

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type transfer struct {
	src string
	vol int
}

func (t transfer) SourceWell() string { return t.src }
func (t transfer) Volume() int        { return t.vol }

func defaultPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(DefaultClasses(), []string{"D1"})
	require.NoError(t, err)
	return p
}

func TestClassFor(t *testing.T) {
	p := defaultPolicy(t)
	require.Equal(t, "p50", p.ClassFor(1))
	require.Equal(t, "p50", p.ClassFor(50))
	require.Equal(t, "p200", p.ClassFor(51))
	require.Equal(t, "p200", p.ClassFor(200))
	require.Equal(t, "p1000", p.ClassFor(201))
	require.Equal(t, "p1000", p.ClassFor(5000))
}

func TestEstimateReusableSourceSharesTipPerClass(t *testing.T) {
	p := defaultPolicy(t)
	// D1 reuses one p200 and one p50 tip; the rest take a fresh tip each.
	transfers := []transfer{
		{"D1", 180}, {"D1", 135}, {"D1", 125}, {"D1", 40},
		{"A1", 20}, {"A1", 30}, {"B1", 10}, {"C1", 60},
	}
	got := Estimate(p, transfers)
	require.Equal(t, Counts{"p50": 4, "p200": 2, "p1000": 0}, got)
	require.Equal(t, 6, got.Total())
}

func TestEstimateEmptyHasEveryClass(t *testing.T) {
	p := defaultPolicy(t)
	got := Estimate(p, []transfer(nil))
	require.Len(t, got, 3)
	require.Zero(t, got.Total())
}

func TestEstimateOrderIndependent(t *testing.T) {
	p := defaultPolicy(t)
	rng := rand.New(rand.NewSource(7))
	sources := []string{"A1", "B1", "C1", "D1"}
	transfers := make([]transfer, 40)
	for i := range transfers {
		transfers[i] = transfer{src: sources[rng.Intn(len(sources))], vol: 1 + rng.Intn(300)}
	}
	want := Estimate(p, transfers)
	for i := 0; i < 20; i++ {
		shuffled := append([]transfer(nil), transfers...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		require.Equal(t, want, Estimate(p, shuffled))
	}
}

func TestCountsAdd(t *testing.T) {
	a := Counts{"p50": 2, "p200": 1}
	b := Counts{"p50": 1, "p1000": 1}
	sum := a.Add(b)
	require.Equal(t, Counts{"p50": 3, "p200": 1, "p1000": 1}, sum)
	require.Equal(t, 2, a["p50"], "Add must not mutate the receiver")
	require.Equal(t, "p1000=1 p200=1 p50=3", sum.String())
}

func TestNewPolicyValidation(t *testing.T) {
	cases := map[string][]Class{
		"empty":      nil,
		"blank":      {{Name: "", MaxVolume: 10}},
		"duplicate":  {{Name: "a", MaxVolume: 10}, {Name: "a", MaxVolume: 20}},
		"descending": {{Name: "a", MaxVolume: 20}, {Name: "b", MaxVolume: 10}},
		"zero":       {{Name: "a", MaxVolume: 0}},
	}
	for name, classes := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPolicy(classes, nil)
			require.True(t, errors.Is(err, ErrInvalidPolicy), "got %v", err)
		})
	}
}
