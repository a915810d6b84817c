// Package assets is the asset collaborator: it answers whether an asset
// reference exists and describes it. Content itself is never read here.
package assets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrAssetNotFound = errors.New("asset not found")
	ErrInvalidRef    = errors.New("invalid asset ref")
)

// Asset is the metadata the daemon exposes about an asset reference.
type Asset struct {
	Ref             string    `json:"ref"`
	Title           string    `json:"title,omitempty"`
	Category        string    `json:"category,omitempty"`
	BackgroundColor string    `json:"backgroundColor,omitempty"`
	ContentType     string    `json:"contentType,omitempty"`
	Size            int64     `json:"size,omitempty"`
	ModTime         time.Time `json:"modTime,omitempty"`
	Source          string    `json:"source"`
}

// Catalog resolves asset references.
type Catalog interface {
	Lookup(ctx context.Context, ref string) (Asset, error)
	List(ctx context.Context) ([]Asset, error)
}

// Exists reports whether ref resolves in c. Lookup errors other than
// ErrAssetNotFound are returned.
func Exists(ctx context.Context, c Catalog, ref string) (bool, error) {
	_, err := c.Lookup(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAssetNotFound), errors.Is(err, ErrInvalidRef):
		return false, nil
	default:
		return false, err
	}
}

// CleanRef trims ref and rejects absolute paths and parent traversal.
func CleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRef)
	}
	ref = strings.ReplaceAll(ref, "\\", "/")
	if strings.HasPrefix(ref, "/") {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidRef, ref)
	}
	for _, part := range strings.Split(ref, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q leaves the catalog", ErrInvalidRef, ref)
		}
	}
	return ref, nil
}

// Multi tries each catalog in order; the first hit wins.
type Multi []Catalog

func (m Multi) Lookup(ctx context.Context, ref string) (Asset, error) {
	for _, c := range m {
		a, err := c.Lookup(ctx, ref)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrAssetNotFound) {
			return Asset{}, err
		}
	}
	return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, ref)
}

// List merges every catalog, earlier catalogs shadowing later ones.
func (m Multi) List(ctx context.Context) ([]Asset, error) {
	seen := map[string]bool{}
	var out []Asset
	for _, c := range m {
		as, err := c.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range as {
			if seen[a.Ref] {
				continue
			}
			seen[a.Ref] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}
