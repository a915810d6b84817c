package assets

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memCatalog(t *testing.T) *Dir {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("promo", 0o755))
	require.NoError(t, fsys.MkdirAll(".cache", 0o755))
	require.NoError(t, afero.WriteFile(fsys, "welcome.png", []byte("png"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "promo/sale.jpg", []byte("jpeg!"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, ".cache/tmp.png", []byte("x"), 0o644))
	return NewDirFs(fsys)
}

func TestDirLookup(t *testing.T) {
	t.Parallel()

	d := memCatalog(t)
	ctx := context.Background()

	a, err := d.Lookup(ctx, "promo/sale.jpg")
	require.NoError(t, err)
	assert.Equal(t, "sale", a.Title)
	assert.Equal(t, "image/jpeg", a.ContentType)
	assert.EqualValues(t, 5, a.Size)
	assert.Equal(t, "dir", a.Source)

	_, err = d.Lookup(ctx, "missing.png")
	require.ErrorIs(t, err, ErrAssetNotFound)
	_, err = d.Lookup(ctx, "promo")
	require.ErrorIs(t, err, ErrAssetNotFound)
	_, err = d.Lookup(ctx, ".cache/tmp.png")
	require.ErrorIs(t, err, ErrAssetNotFound)
	_, err = d.Lookup(ctx, "../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidRef)

	ok, err := Exists(ctx, d, "welcome.png")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Exists(ctx, d, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirList(t *testing.T) {
	t.Parallel()

	as, err := memCatalog(t).List(context.Background())
	require.NoError(t, err)
	refs := make([]string, 0, len(as))
	for _, a := range as {
		refs = append(refs, a.Ref)
	}
	assert.Equal(t, []string{"promo/sale.jpg", "welcome.png"}, refs)
}

func TestMultiShadowsInOrder(t *testing.T) {
	t.Parallel()

	static := NewStatic([]Asset{
		{Ref: "welcome.png", Title: "Welcome!", Category: "lobby", BackgroundColor: "#000"},
		{Ref: "  "},
		{Ref: "remote://banner"},
	})
	m := Multi{static, memCatalog(t)}
	ctx := context.Background()

	a, err := m.Lookup(ctx, "welcome.png")
	require.NoError(t, err)
	assert.Equal(t, "Welcome!", a.Title)
	assert.Equal(t, "static", a.Source)

	a, err = m.Lookup(ctx, "promo/sale.jpg")
	require.NoError(t, err)
	assert.Equal(t, "dir", a.Source)

	_, err = m.Lookup(ctx, "nope")
	require.ErrorIs(t, err, ErrAssetNotFound)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "promo/sale.jpg", all[0].Ref)
	assert.Equal(t, "remote://banner", all[1].Ref)
	assert.Equal(t, "static", all[2].Source)
}

func TestLookupHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStatic(nil).Lookup(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)

	ok, err := Exists(ctx, memCatalog(t), "welcome.png")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}
