package target

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshBuildsUIDMapFromPackageDirOwnership(t *testing.T) {
	dataRoot := t.TempDir()
	userDir := filepath.Join(dataRoot, "0")
	pkgDir := filepath.Join(userDir, "com.example.target")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))

	d := New()
	d.SetHideSet([]Hide{{Package: "com.example.target", Process: "com.example.target"}})
	require.NoError(t, d.Refresh(dataRoot))

	wantUID, ok := UID(pkgDir)
	require.True(t, ok)

	names, ok := d.Lookup(wantUID)
	require.True(t, ok)
	assert.Equal(t, []string{"com.example.target"}, names)
}

func TestRefreshIsIdempotent(t *testing.T) {
	dataRoot := t.TempDir()
	userDir := filepath.Join(dataRoot, "0")
	pkgDir := filepath.Join(userDir, "com.example.target")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))

	d := New()
	d.SetHideSet([]Hide{{Package: "com.example.target", Process: "com.example.target"}})

	require.NoError(t, d.Refresh(dataRoot))
	first := snapshotByUID(t, d)
	require.NoError(t, d.Refresh(dataRoot))
	second := snapshotByUID(t, d)

	assert.Equal(t, first, second)
}

func TestRefreshSkipsUnresolvablePackages(t *testing.T) {
	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "0"), 0755))

	d := New()
	d.SetHideSet([]Hide{{Package: "com.example.missing", Process: "com.example.missing"}})
	require.NoError(t, d.Refresh(dataRoot))

	_, ok := d.Lookup(0)
	assert.False(t, ok)
}

func TestIsolatedSentinelPopulatesIsolatedBucketOnce(t *testing.T) {
	dataRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "0"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dataRoot, "10"), 0755))

	d := New()
	d.SetHideSet([]Hide{{Package: IsolatedSentinel, Process: "com.example.isolated"}})
	require.NoError(t, d.Refresh(dataRoot))

	names, ok := d.Lookup(isolatedUID)
	require.True(t, ok)
	assert.Equal(t, []string{"com.example.isolated"}, names)

	assert.True(t, d.MatchIsolated("com.example.isolated:service"))
	assert.False(t, d.MatchIsolated("com.other.process"))
}

func TestMatchExactRequiresFullEquality(t *testing.T) {
	dataRoot := t.TempDir()
	pkgDir := filepath.Join(dataRoot, "0", "com.example.target")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))

	d := New()
	d.SetHideSet([]Hide{{Package: "com.example.target", Process: "com.example.target"}})
	require.NoError(t, d.Refresh(dataRoot))

	uid, ok := UID(pkgDir)
	require.True(t, ok)

	_, matched := d.MatchExact(uid, "com.example.target:helper")
	assert.False(t, matched)

	name, matched := d.MatchExact(uid, "com.example.target")
	assert.True(t, matched)
	assert.Equal(t, "com.example.target", name)
}

func TestRefreshResolvesLegacySingleUserLayout(t *testing.T) {
	dataRoot := t.TempDir()
	pkgDir := filepath.Join(dataRoot, "com.example.target")
	require.NoError(t, os.MkdirAll(pkgDir, 0755))

	d := New()
	d.SetHideSet([]Hide{{Package: "com.example.target", Process: "com.example.target"}})
	require.NoError(t, d.Refresh(dataRoot))

	wantUID, ok := UID(pkgDir)
	require.True(t, ok)

	names, ok := d.Lookup(wantUID)
	require.True(t, ok)
	assert.Equal(t, []string{"com.example.target"}, names)
}

func TestParseUserDir(t *testing.T) {
	n, ok := ParseUserDir("10")
	require.True(t, ok)
	assert.Equal(t, 10, n)

	_, ok = ParseUserDir("legacy")
	assert.False(t, ok)
}

func snapshotByUID(t *testing.T, d *Directory) map[int][]string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int][]string, len(d.byUID))
	for uid, names := range d.byUID {
		out[uid] = append([]string(nil), names...)
	}
	return out
}
