package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPagerAllocateWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPager(filepath.Join(dir, "t.ndb"), 4096)
	require.NoError(t, err)
	defer p.Close()

	id := p.Allocate()
	page := make([]byte, p.PageSize())
	copy(page, []byte("hello page"))
	require.NoError(t, p.Write(id, page))
	require.NoError(t, p.Sync())

	got, err := p.Read(id)
	require.NoError(t, err)
	require.Equal(t, page, got)
}

func TestPagerReopenPreservesFreeList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.ndb")
	p, err := OpenPager(path, 4096)
	require.NoError(t, err)

	id := p.Allocate()
	p.Free(id)
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	p2, err := OpenPager(path, 4096)
	require.NoError(t, err)
	defer p2.Close()

	reused := p2.Allocate()
	require.Equal(t, id, reused)
}

func TestPagerRejectsMismatchedPageSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.ndb")
	p, err := OpenPager(path, 4096)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = OpenPager(path, 8192)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPagerDetectsCorruptedPage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.ndb")
	p, err := OpenPager(path, 4096)
	require.NoError(t, err)

	id := p.Allocate()
	page := make([]byte, p.PageSize())
	copy(page, []byte("original"))
	require.NoError(t, p.Write(id, page))
	require.NoError(t, p.Sync())
	require.NoError(t, p.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[int(id)*(4096+8)] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	p2, err := OpenPager(path, 4096)
	require.NoError(t, err)
	defer p2.Close()
	_, err = p2.Read(id)
	require.ErrorIs(t, err, ErrCorruption)
}
