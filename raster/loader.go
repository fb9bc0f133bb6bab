package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/godal"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/stebubu/venezia/metrics"
)

var (
	// ErrObjectNotFound reports a catalog entry that no longer exists
	// in the store.
	ErrObjectNotFound = errors.New("raster object not found")
	// ErrDecode reports a corrupt or unsupported raster file.
	ErrDecode = errors.New("raster decode failure")
	// ErrNoGeoref reports a raster without a usable affine transform or
	// CRS. No default transform is substituted.
	ErrNoGeoref = errors.New("raster georeferencing missing")
)

var registerOnce sync.Once

// RegisterDrivers initialises the GDAL driver registry. Safe to call
// more than once.
func RegisterDrivers() {
	registerOnce.Do(func() {
		godal.RegisterAll()
	})
}

// Loader fetches raster objects from a remote store and decodes band 1
// into a georeferenced Grid. Credentials and the store handle are
// passed in explicitly; the loader holds no ambient session state.
type Loader struct {
	bucket *blob.Bucket
}

func NewLoader(bucket *blob.Bucket) *Loader {
	return &Loader{bucket: bucket}
}

// Load fetches and decodes one object. Exactly band 1 is read;
// additional bands of multi-band files are ignored. Samples equal to
// the file's declared no-data sentinel come back as NaN.
func (l *Loader) Load(ctx context.Context, key string, collector *metrics.MetricsCollector) (*Grid, error) {
	RegisterDrivers()

	t0 := time.Now()

	localPath, nBytes, err := l.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	defer os.Remove(localPath)

	if collector != nil {
		collector.Info.Load.Object = key
		collector.Info.Load.BytesFetched = nBytes
	}

	grid, err := decodeBandOne(localPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	if collector != nil {
		collector.Info.Load.Duration = time.Since(t0)
	}
	return grid, nil
}

// fetch copies the object into a temporary file GDAL can open. The
// caller removes the file.
func (l *Loader) fetch(ctx context.Context, key string) (string, int64, error) {
	r, err := l.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return "", 0, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", 0, fmt.Errorf("Error fetching object %s: %v", key, err)
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "venezia-*"+filepath.Ext(key))
	if err != nil {
		return "", 0, fmt.Errorf("Error creating scratch file for %s: %v", key, err)
	}

	nBytes, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("Error fetching object %s: %v", key, err)
	}

	return tmp.Name(), nBytes, nil
}

func decodeBandOne(path string) (*Grid, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer ds.Close()

	structure := ds.Structure()
	width, height := structure.SizeX, structure.SizeY
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: empty raster %dx%d", ErrDecode, width, height)
	}

	bands := ds.Bands()
	if len(bands) == 0 {
		return nil, fmt.Errorf("%w: raster has no bands", ErrDecode)
	}
	band := bands[0]

	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("%w: no affine transform: %v", ErrNoGeoref, err)
	}

	crs, err := crsIdentifier(ds.Projection())
	if err != nil {
		return nil, err
	}

	data := make([]float64, width*height)
	if err := band.Read(0, 0, data, width, height); err != nil {
		return nil, fmt.Errorf("%w: band 1 read: %v", ErrDecode, err)
	}

	grid, err := NewGrid(data, width, height, Transform(gt), crs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGeoref, err)
	}

	if noData, ok := band.NoData(); ok {
		grid.MaskNoData(noData)
	}

	return grid, nil
}

var reEPSGAuthority = regexp.MustCompile(`AUTHORITY\["EPSG","(\d+)"\]`)

// crsIdentifier reduces a projection WKT to a compact identifier:
// EPSG:<code> when the root authority is declared, otherwise the WKT
// itself. An empty projection is a georeferencing failure, never
// silently defaulted.
func crsIdentifier(wkt string) (string, error) {
	wkt = strings.TrimSpace(wkt)
	if len(wkt) == 0 {
		return "", fmt.Errorf("%w: no CRS declared", ErrNoGeoref)
	}

	codes := reEPSGAuthority.FindAllStringSubmatch(wkt, -1)
	if len(codes) > 0 {
		// The outermost authority is declared last in the WKT.
		return "EPSG:" + codes[len(codes)-1][1], nil
	}
	return wkt, nil
}
