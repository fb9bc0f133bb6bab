// Package catalog lists the time-ordered raster objects of a remote
// store prefix. The store's lexicographic key order is the de facto
// time order of a series; listing is read-only and deterministic for a
// given catalog state.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	goeval "github.com/edisonguo/govaluate"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/stebubu/venezia/metrics"
	"github.com/stebubu/venezia/utils"
)

var (
	// ErrAuthFailure reports rejected or missing store credentials.
	ErrAuthFailure = errors.New("catalog authentication failure")
	// ErrUnreachable reports an unreachable store or missing bucket.
	ErrUnreachable = errors.New("catalog unreachable")
)

// rasterExtensions are the recognised raster file suffixes, matched
// case-insensitively against object keys.
var rasterExtensions = map[string]bool{
	".tif":  true,
	".tiff": true,
}

// ObjectRef identifies one raster object of a series. Refs are
// immutable once listed; the Key doubles as the ordering key.
type ObjectRef struct {
	Key string `json:"key"`
	URI string `json:"uri"`
}

// Lister enumerates raster objects under a store location. The bucket
// handle and optional filter are passed in at construction; there is
// no ambient session state.
type Lister struct {
	location *utils.StoreLocation
	bucket   *blob.Bucket
	pattern  *goeval.EvaluableExpression
}

// NewLister opens the store bucket behind a scheme://bucket/prefix
// location. A non-empty pattern is a filter expression over the
// variable 'path' applied to candidate keys, e.g.
// `path =~ "rain_" && !(path =~ "backup")`.
func NewLister(ctx context.Context, location string, pattern string) (*Lister, error) {
	loc, err := utils.ParseStoreLocation(location)
	if err != nil {
		return nil, err
	}

	expr, err := parsePatternExpression(pattern)
	if err != nil {
		return nil, err
	}

	bucket, err := blob.OpenBucket(ctx, loc.BucketURL())
	if err != nil {
		return nil, mapStoreError(err, loc.BucketURL())
	}

	return &Lister{location: loc, bucket: bucket, pattern: expr}, nil
}

// Bucket exposes the underlying store handle so the raster loader can
// fetch the objects this lister enumerates.
func (l *Lister) Bucket() *blob.Bucket {
	return l.bucket
}

func (l *Lister) Close() error {
	return l.bucket.Close()
}

// List returns the ordered raster objects under the location prefix.
// A non-empty prefix is normalized to end with a path separator so
// that sibling prefixes sharing a leading string are not swept in. An
// empty result is a valid empty catalog, not an error.
func (l *Lister) List(ctx context.Context, collector *metrics.MetricsCollector) ([]ObjectRef, error) {
	t0 := time.Now()

	prefix := l.location.Prefix
	if len(prefix) > 0 && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var refs []ObjectRef
	iter := l.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, mapStoreError(err, l.location.BucketURL())
		}

		if obj.IsDir {
			continue
		}
		if !rasterExtensions[strings.ToLower(path.Ext(obj.Key))] {
			continue
		}

		keep, err := l.matchPattern(obj.Key)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}

		refs = append(refs, ObjectRef{Key: obj.Key, URI: l.location.ObjectURI(obj.Key)})
	}

	// The store's natural listing order is already lexicographic for
	// the supported drivers; sorting pins it down regardless of
	// pagination behaviour.
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })

	if collector != nil {
		collector.Info.Catalog.Duration = time.Since(t0)
		collector.Info.Catalog.Location = l.location.BucketURL() + "/" + prefix
		collector.Info.Catalog.NumObjects = len(refs)
	}

	return refs, nil
}

func (l *Lister) matchPattern(key string) (bool, error) {
	if l.pattern == nil {
		return true, nil
	}

	params := map[string]interface{}{"path": key}
	res, err := l.pattern.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("pattern evaluation failed for %s: %v", key, err)
	}

	keep, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("pattern expression does not evaluate to a boolean for %s", key)
	}
	return keep, nil
}

func parsePatternExpression(pattern string) (*goeval.EvaluableExpression, error) {
	if len(strings.TrimSpace(pattern)) == 0 {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpression(pattern)
	if err != nil {
		return nil, err
	}

	validVariables := map[string]struct{}{"path": struct{}{}}
	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("variable token '%v' failed to cast string", token.Value)
			}
			if _, found := validVariables[varName]; !found {
				return nil, fmt.Errorf("variable %v is not supported. Valid variables are %v", varName, validVariables)
			}
		}
	}
	return expr, nil
}

// mapStoreError sorts store failures into the two kinds callers need
// to distinguish: credential problems and everything else.
func mapStoreError(err error, location string) error {
	return storeErrorFor(gcerrors.Code(err), location, err)
}

func storeErrorFor(code gcerrors.ErrorCode, location string, err error) error {
	switch code {
	case gcerrors.PermissionDenied:
		return fmt.Errorf("%w: %s: %v", ErrAuthFailure, location, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, location, err)
	}
}
