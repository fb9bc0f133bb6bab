// Package sequence steps through a time-ordered raster series. The
// controller owns the current position and the raster loaded for it.
package sequence

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/net/context"

	"github.com/stebubu/venezia/catalog"
	"github.com/stebubu/venezia/metrics"
	"github.com/stebubu/venezia/raster"
)

// ErrIndexRange reports a step outside [0, Length).
var ErrIndexRange = errors.New("sequence index out of range")

// Loader fetches and decodes the raster behind one catalog key.
type Loader interface {
	Load(ctx context.Context, key string, collector *metrics.MetricsCollector) (*raster.Grid, error)
}

// Step is a consistent view of the controller taken under one lock:
// the catalog entry, position and raster all belong to the same state.
type Step struct {
	Ref    catalog.ObjectRef
	Index  int
	Length int
	Grid   *raster.Grid
}

// Controller tracks the active position in a raster series. Loads run
// outside the lock; when several steps overlap, the raster of the
// most recently requested step wins regardless of completion order,
// and a failed load leaves the previous raster in place.
type Controller struct {
	loader Loader

	mu      sync.Mutex
	refs    []catalog.ObjectRef
	index   int
	current *raster.Grid
	lastReq uint64
}

func NewController(loader Loader) *Controller {
	return &Controller{loader: loader}
}

// Reset replaces the series with a fresh catalog listing. The
// position returns to the start; the raster last shown stays on
// display until a new step loads, so a catalog refresh never blanks
// the view. In-flight loads from before the reset cannot install.
func (c *Controller) Reset(refs []catalog.ObjectRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs = refs
	c.index = 0
	c.lastReq++
}

// Length returns the number of steps in the series.
func (c *Controller) Length() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

// Index returns the active step position.
func (c *Controller) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Current returns the raster of the last successfully applied step,
// or nil when nothing has loaded yet.
func (c *Controller) Current() *raster.Grid {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Ref returns the catalog entry at the active position.
func (c *Controller) Ref() (catalog.ObjectRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.refs) == 0 {
		return catalog.ObjectRef{}, false
	}
	return c.refs[c.index], true
}

// SetIndex moves the series to position i and loads its raster. The
// requested position is recorded up front so overlapping calls agree
// on who is latest; only the latest request may install its result.
// The returned Step is snapshotted under the same lock that installs
// it, so its ref, position and raster always belong together even
// when calls overlap. A superseded call returns the winner's state.
func (c *Controller) SetIndex(ctx context.Context, i int, collector *metrics.MetricsCollector) (Step, error) {
	c.mu.Lock()
	if i < 0 || i >= len(c.refs) {
		n := len(c.refs)
		c.mu.Unlock()
		return Step{}, fmt.Errorf("%w: %d of %d", ErrIndexRange, i, n)
	}
	c.lastReq++
	req := c.lastReq
	ref := c.refs[i]
	c.mu.Unlock()

	grid, err := c.loader.Load(ctx, ref.Key, collector)

	c.mu.Lock()
	defer c.mu.Unlock()
	if req != c.lastReq {
		// A later step superseded this one while it loaded.
		return c.stepLocked(), nil
	}
	if err != nil {
		return Step{}, fmt.Errorf("loading %s failed: %w", ref.Key, err)
	}
	c.index = i
	c.current = grid
	return c.stepLocked(), nil
}

func (c *Controller) stepLocked() Step {
	s := Step{Index: c.index, Length: len(c.refs), Grid: c.current}
	if len(c.refs) > 0 {
		s.Ref = c.refs[c.index]
	}
	return s
}
