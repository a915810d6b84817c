package assets

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Static is a fixed catalog, usually built from configuration.
type Static struct {
	byRef map[string]Asset
}

func NewStatic(list []Asset) *Static {
	s := &Static{byRef: make(map[string]Asset, len(list))}
	for _, a := range list {
		a.Ref = strings.TrimSpace(a.Ref)
		if a.Ref == "" {
			continue
		}
		a.Source = "static"
		s.byRef[a.Ref] = a
	}
	return s
}

func (s *Static) Lookup(ctx context.Context, ref string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	ref, err := CleanRef(ref)
	if err != nil {
		return Asset{}, err
	}
	a, ok := s.byRef[ref]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, ref)
	}
	return a, nil
}

func (s *Static) List(ctx context.Context) ([]Asset, error) {
	out := make([]Asset, 0, len(s.byRef))
	for _, a := range s.byRef {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}
