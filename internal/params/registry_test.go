package params

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolvePersistsUnseenType(t *testing.T) {
	r := testRegistry(t)

	cfg, err := r.Resolve("neuron")
	require.NoError(t, err)
	if diff := cmp.Diff(Defaults(), cfg); diff != "" {
		t.Fatalf("resolved config differs from defaults (-want +got):\n%s", diff)
	}

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	var onDisk map[string]StackTypeConfig
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Contains(t, onDisk, "neuron")
	assert.Equal(t, 0.5, onDisk["neuron"].Flow.PyrScale)
}

func TestResolveIgnoresLaterDefaultChanges(t *testing.T) {
	r := testRegistry(t)

	first, err := r.Resolve("fibroblast")
	require.NoError(t, err)

	r.defaults = func() StackTypeConfig {
		cfg := Defaults()
		cfg.Flow.Levels = 9
		cfg.Process.Median.KSize = 3
		return cfg
	}
	second, err := r.Resolve("fibroblast")
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("second resolve changed config (-first +second):\n%s", diff)
	}

	fresh, err := r.Resolve("other")
	require.NoError(t, err)
	assert.Equal(t, 9, fresh.Flow.Levels)
}

func TestResolveReturnsIndependentCopies(t *testing.T) {
	r := testRegistry(t)
	cfg, err := r.Resolve("a")
	require.NoError(t, err)
	cfg.Process.Skip = append(cfg.Process.Skip, StepMedian)

	again, err := r.Resolve("a")
	require.NoError(t, err)
	assert.Empty(t, again.Process.Skip)
}

func TestResolveConcurrentFirstUse(t *testing.T) {
	r := testRegistry(t)
	var wg sync.WaitGroup
	results := make([]StackTypeConfig, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg, err := r.Resolve("shared")
			assert.NoError(t, err)
			results[i] = cfg
		}(i)
	}
	wg.Wait()
	for _, cfg := range results[1:] {
		assert.Empty(t, cmp.Diff(results[0], cfg))
	}
	names, err := r.Types()
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, names)
}

func TestMalformedRegistryIsFatal(t *testing.T) {
	for name, body := range map[string]string{
		"garbage":    "{not json",
		"null":       "null",
		"bad config": `{"x": {"flow": {"pyr_scale": 2, "levels": 3, "winsize": 15, "iterations": 3, "poly_n": 5, "poly_sigma": 1.2}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			r := testRegistry(t)
			require.NoError(t, os.WriteFile(r.Path(), []byte(body), 0o644))

			_, err := r.Resolve("x")
			require.Error(t, err)
			if name == "bad config" {
				assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
			} else {
				assert.True(t, errors.Is(err, ErrMalformedRegistry), "got %v", err)
			}

			after, readErr := os.ReadFile(r.Path())
			require.NoError(t, readErr)
			assert.Equal(t, body, string(after), "registry must not be rewritten")
		})
	}
}

func TestLegacyKeysAreAccepted(t *testing.T) {
	r := testRegistry(t)
	legacy := `{"old": {
		"process": {"laplace": {"sigma": 1}, "gauss": {"ksize": [3, 3], "sigmaX": 1},
			"median": {"ksize": 3}, "normalize": {"alpha": 0, "beta": 255, "norm_type": 32}},
		"opt_flow": {"pyr_scale": 0.5, "levels": 2, "winsize": 9, "iterations": 4,
			"poly_n": 7, "poly_sigma": 1.5, "flag": 256},
		"trajectory": {}}}`
	require.NoError(t, os.WriteFile(r.Path(), []byte(legacy), 0o644))

	cfg, err := r.Resolve("old")
	require.NoError(t, err)
	assert.Equal(t, MotionParams{
		PyrScale: 0.5, Levels: 2, WinSize: 9, Iterations: 4, PolyN: 7, PolySigma: 1.5, Flags: FarnebackGaussian,
	}, cfg.Flow)
	assert.Equal(t, [2]int{3, 3}, cfg.Process.Gauss.KSize)
}

func TestSaveOverwrites(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Resolve("tuned")
	require.NoError(t, err)

	cfg := Defaults()
	cfg.Flow.WinSize = 21
	require.NoError(t, r.Save("tuned", cfg))

	got, err := r.Resolve("tuned")
	require.NoError(t, err)
	assert.Equal(t, 21, got.Flow.WinSize)

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"flags"`)
	assert.NotContains(t, string(data), `"opt_flow"`)

	cfg.Flow.Flags = 4
	assert.True(t, errors.Is(r.Save("tuned", cfg), ErrInvalidConfig))
}

func TestLookupDoesNotCreate(t *testing.T) {
	r := testRegistry(t)
	_, ok, err := r.Lookup("neuron")
	require.NoError(t, err)
	assert.False(t, ok)
	types, err := r.Types()
	require.NoError(t, err)
	assert.Empty(t, types)

	_, err = r.Resolve("neuron")
	require.NoError(t, err)
	cfg, ok, err := r.Lookup("neuron")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 15, cfg.Flow.WinSize)
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(filepath.Join(dir, "root"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, r.Init(false))
	_, err := r.Resolve("kept")
	require.NoError(t, err)

	require.NoError(t, r.Init(false))
	names, err := r.Types()
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, names)

	require.NoError(t, r.Init(true))
	names, err = r.Types()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*StackTypeConfig){
		"even gauss":    func(c *StackTypeConfig) { c.Process.Gauss.KSize = [2]int{4, 5} },
		"unknown step":  func(c *StackTypeConfig) { c.Process.Skip = []string{"sharpen"} },
		"levels":        func(c *StackTypeConfig) { c.Flow.Levels = 0 },
		"poly_n":        func(c *StackTypeConfig) { c.Flow.PolyN = 6 },
		"initial flow":  func(c *StackTypeConfig) { c.Flow.Flags = 4 },
		"median":        func(c *StackTypeConfig) { c.Process.Median.KSize = 4 },
		"large median":  func(c *StackTypeConfig) { c.Process.Median.KSize = 7 },
		"laplace sigma": func(c *StackTypeConfig) { c.Process.Laplace.Sigma = 0 },
		"norm type":     func(c *StackTypeConfig) { c.Process.Normalize.NormType = 99 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Defaults()
			mutate(&cfg)
			assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
		})
	}

	cfg := Defaults()
	cfg.Process.Skip = []string{StepMedian}
	cfg.Process.Median.KSize = 0
	assert.NoError(t, cfg.Validate(), "skipped steps are not validated")

	cfg = Defaults()
	cfg.Process.Median.KSize = MaxMedianKSize
	assert.NoError(t, cfg.Validate())
}
