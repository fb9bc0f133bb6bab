package utils

import (
	"fmt"
	"strings"
)

// StoreLocation identifies a remote object store prefix in the form
// scheme://bucket/prefix. The scheme selects the store driver (s3, gs)
// and the prefix may be empty to address the whole bucket.
type StoreLocation struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseStoreLocation splits a scheme://bucket/prefix location string.
// The bucket part is mandatory; the prefix is optional.
func ParseStoreLocation(location string) (*StoreLocation, error) {
	parts := strings.SplitN(location, "://", 2)
	if len(parts) != 2 || len(parts[0]) == 0 {
		return nil, fmt.Errorf("Malformed store location, expecting scheme://bucket/prefix: %s", location)
	}

	scheme := strings.ToLower(parts[0])
	rest := parts[1]

	bucket := rest
	prefix := ""
	if idx := strings.Index(rest, "/"); idx >= 0 {
		bucket = rest[:idx]
		prefix = rest[idx+1:]
	}

	if len(bucket) == 0 {
		return nil, fmt.Errorf("Store location does not specify a bucket: %s", location)
	}

	return &StoreLocation{Scheme: scheme, Bucket: bucket, Prefix: prefix}, nil
}

// BucketURL renders the location in the form the blob driver expects,
// without the prefix part.
func (s *StoreLocation) BucketURL() string {
	return fmt.Sprintf("%s://%s", s.Scheme, s.Bucket)
}

// ObjectURI renders the full URI of one object key under this location.
func (s *StoreLocation) ObjectURI(key string) string {
	return fmt.Sprintf("%s://%s/%s", s.Scheme, s.Bucket, key)
}
