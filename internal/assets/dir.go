package assets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Dir serves asset refs as file names below a root directory. Refs use '/'
// as separator regardless of OS. Hidden files are not assets.
type Dir struct {
	fs afero.Fs
}

// NewDir roots a catalog at dir on the OS filesystem.
func NewDir(dir string) *Dir {
	return NewDirFs(afero.NewBasePathFs(afero.NewOsFs(), dir))
}

// NewDirFs uses fsys as the catalog root.
func NewDirFs(fsys afero.Fs) *Dir { return &Dir{fs: fsys} }

func (d *Dir) Lookup(ctx context.Context, ref string) (Asset, error) {
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	ref, err := CleanRef(ref)
	if err != nil {
		return Asset{}, err
	}
	if hidden(ref) {
		return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, ref)
	}
	fi, err := d.fs.Stat(filepath.FromSlash(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Asset{}, fmt.Errorf("%w: %s", ErrAssetNotFound, ref)
		}
		return Asset{}, fmt.Errorf("stat asset %s: %w", ref, err)
	}
	if fi.IsDir() {
		return Asset{}, fmt.Errorf("%w: %s is a directory", ErrAssetNotFound, ref)
	}
	return describe(ref, fi), nil
}

func (d *Dir) List(ctx context.Context) ([]Asset, error) {
	var out []Asset
	err := afero.Walk(d.fs, ".", func(p string, fi fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := filepath.ToSlash(strings.TrimPrefix(p, "./"))
		if fi.IsDir() {
			if ref != "." && hidden(ref) {
				return filepath.SkipDir
			}
			return nil
		}
		if hidden(ref) {
			return nil
		}
		out = append(out, describe(ref, fi))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out, nil
}

func describe(ref string, fi fs.FileInfo) Asset {
	name := path.Base(ref)
	return Asset{
		Ref:         ref,
		Title:       strings.TrimSuffix(name, path.Ext(name)),
		ContentType: mime.TypeByExtension(path.Ext(name)),
		Size:        fi.Size(),
		ModTime:     fi.ModTime().UTC(),
		Source:      "dir",
	}
}

func hidden(ref string) bool {
	for _, part := range strings.Split(ref, "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
