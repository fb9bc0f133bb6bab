package sequence

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/stebubu/venezia/catalog"
	"github.com/stebubu/venezia/metrics"
	"github.com/stebubu/venezia/raster"
)

func testGrid(t *testing.T, fill float64) *raster.Grid {
	g, err := raster.NewGrid([]float64{fill}, 1, 1, raster.Transform{0, 1, 0, 1, 0, -1}, "EPSG:4326")
	require.NoError(t, err)
	return g
}

// fakeLoader serves grids by key. Keys listed in blocking hold the
// load until released, so tests can overlap requests deterministically.
type fakeLoader struct {
	grids    map[string]*raster.Grid
	failing  map[string]bool
	blocking map[string]chan struct{}
	started  chan string
}

func (f *fakeLoader) Load(ctx context.Context, key string, collector *metrics.MetricsCollector) (*raster.Grid, error) {
	if f.started != nil {
		f.started <- key
	}
	if release, ok := f.blocking[key]; ok {
		<-release
	}
	if f.failing[key] {
		return nil, fmt.Errorf("decode failed for %s", key)
	}
	return f.grids[key], nil
}

func refsFor(keys ...string) []catalog.ObjectRef {
	refs := make([]catalog.ObjectRef, len(keys))
	for i, key := range keys {
		refs[i] = catalog.ObjectRef{Key: key, URI: "mem://bucket/" + key}
	}
	return refs
}

func TestSetIndexLoadsStep(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{grids: map[string]*raster.Grid{
		"a.tif": testGrid(t, 1),
		"b.tif": testGrid(t, 2),
	}}
	c := NewController(loader)
	c.Reset(refsFor("a.tif", "b.tif"))

	step, err := c.SetIndex(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, step.Grid.Data[0])
	assert.Equal(t, 1, step.Index)
	assert.Equal(t, 2, step.Length)
	assert.Equal(t, "b.tif", step.Ref.Key)
	assert.Equal(t, 1, c.Index())
	assert.Equal(t, step.Grid, c.Current())

	ref, ok := c.Ref()
	require.True(t, ok)
	assert.Equal(t, "b.tif", ref.Key)
}

func TestSetIndexOutOfRange(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{grids: map[string]*raster.Grid{
		"a.tif": testGrid(t, 1),
		"b.tif": testGrid(t, 2),
	}}
	c := NewController(loader)
	c.Reset(refsFor("a.tif", "b.tif"))

	step, err := c.SetIndex(ctx, 0, nil)
	require.NoError(t, err)

	for _, idx := range []int{-1, 2, 5} {
		_, err := c.SetIndex(ctx, idx, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrIndexRange)
	}

	// A rejected step leaves the position and raster untouched.
	assert.Equal(t, 0, c.Index())
	assert.Equal(t, step.Grid, c.Current())
}

func TestSetIndexEmptySequence(t *testing.T) {
	c := NewController(&fakeLoader{})
	c.Reset(nil)

	_, err := c.SetIndex(context.Background(), 0, nil)
	assert.ErrorIs(t, err, ErrIndexRange)
	assert.Equal(t, 0, c.Length())
	assert.Nil(t, c.Current())
}

func TestFailedLoadKeepsPreviousRaster(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{
		grids:   map[string]*raster.Grid{"a.tif": testGrid(t, 1)},
		failing: map[string]bool{"b.tif": true},
	}
	c := NewController(loader)
	c.Reset(refsFor("a.tif", "b.tif"))

	step, err := c.SetIndex(ctx, 0, nil)
	require.NoError(t, err)

	_, err = c.SetIndex(ctx, 1, nil)
	require.Error(t, err)

	assert.Equal(t, 0, c.Index())
	assert.Equal(t, step.Grid, c.Current())
}

func TestLastRequestedStepWins(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	loader := &fakeLoader{
		grids: map[string]*raster.Grid{
			"a.tif": testGrid(t, 1),
			"b.tif": testGrid(t, 2),
		},
		blocking: map[string]chan struct{}{"a.tif": release},
		started:  make(chan string, 2),
	}
	c := NewController(loader)
	c.Reset(refsFor("a.tif", "b.tif"))

	done := make(chan Step)
	go func() {
		late, _ := c.SetIndex(ctx, 0, nil)
		done <- late
	}()

	// Wait for the first load to be in flight, then supersede it.
	require.Equal(t, "a.tif", <-loader.started)
	step, err := c.SetIndex(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, step.Grid.Data[0])

	close(release)
	var late Step
	select {
	case late = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("superseded load never returned")
	}

	// The slower, earlier request must not overwrite the newer one,
	// and the state it reports back must be the winner's.
	assert.Equal(t, 1, c.Index())
	assert.Equal(t, 2.0, c.Current().Data[0])
	assert.Equal(t, 1, late.Index)
	assert.Equal(t, "b.tif", late.Ref.Key)
	assert.Equal(t, 2.0, late.Grid.Data[0])
}

func TestStepFieldsAgree(t *testing.T) {
	// Every Step must be internally consistent: its ref is the entry
	// at its index. Hammer the controller from two goroutines and
	// check each returned snapshot.
	ctx := context.Background()
	loader := &fakeLoader{grids: map[string]*raster.Grid{
		"a.tif": testGrid(t, 1),
		"b.tif": testGrid(t, 2),
	}}
	c := NewController(loader)
	refs := refsFor("a.tif", "b.tif")
	c.Reset(refs)

	check := func(idx int) {
		for i := 0; i < 200; i++ {
			step, err := c.SetIndex(ctx, idx, nil)
			if !assert.NoError(t, err) || !assert.Equal(t, 2, step.Length) {
				return
			}
			assert.Equal(t, refs[step.Index].Key, step.Ref.Key)
			assert.Equal(t, float64(step.Index+1), step.Grid.Data[0])
		}
	}

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		check(0)
	}()
	check(1)
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent stepping never finished")
	}
}

func TestResetKeepsDisplayedRaster(t *testing.T) {
	ctx := context.Background()
	loader := &fakeLoader{grids: map[string]*raster.Grid{"a.tif": testGrid(t, 1)}}
	c := NewController(loader)
	c.Reset(refsFor("a.tif"))

	step, err := c.SetIndex(ctx, 0, nil)
	require.NoError(t, err)
	require.NotNil(t, step.Grid)

	// A catalog refresh rewinds the position but keeps showing the
	// last loaded raster until a new step replaces it.
	c.Reset(refsFor("a.tif", "b.tif"))
	assert.Equal(t, step.Grid, c.Current())
	assert.Equal(t, 0, c.Index())
	assert.Equal(t, 2, c.Length())
}
