package filesctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const objectScheme = "s3://"

var ErrNoObjectStore = errors.New("object store not configured")

// Store persists an exported archive at a destination.
type Store interface {
	// PutFile writes data to dest as one sequential write and returns the
	// number of bytes stored.
	PutFile(ctx context.Context, dest string, data []byte) (int64, error)
}

// Router sends s3:// destinations to Object and everything else to Local.
type Router struct {
	Local  Store
	Object Store
}

func (r Router) PutFile(ctx context.Context, dest string, data []byte) (int64, error) {
	if IsObjectPath(dest) {
		if r.Object == nil {
			return 0, fmt.Errorf("%s: %w", dest, ErrNoObjectStore)
		}
		return r.Object.PutFile(ctx, dest, data)
	}
	if r.Local == nil {
		return LocalStore{}.PutFile(ctx, dest, data)
	}
	return r.Local.PutFile(ctx, dest, data)
}

func IsObjectPath(p string) bool {
	return strings.HasPrefix(p, objectScheme)
}

// ParseObjectPath splits s3://bucket/object.
func ParseObjectPath(p string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(p, objectScheme)
	if !ok {
		return "", "", fmt.Errorf("not an object path: %q", p)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("object path %q must be s3://bucket/object", p)
	}
	return bucket, object, nil
}
