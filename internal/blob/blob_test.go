package blob

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd":      "passwd",
		`..\..\windows\sys.ini`: "sys.ini",
		"/abs/path/a.txt":       "a.txt",
		"":                      "unnamed",
		".":                     "unnamed",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafeName(in), "input %q", in)
	}
}

func TestWriteOpenRemove(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	require.NoError(t, d.WriteBlob("1.png", payload))

	size, err := d.Size("1.png")
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	f, err := d.OpenBlob("1.png")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, payload, got)

	require.NoError(t, d.Remove("1.png"))
	require.NoError(t, d.Remove("1.png"), "double remove is not an error")
	_, err = d.Size("1.png")
	assert.Error(t, err)
}

func TestEnsureUnique(t *testing.T) {
	d, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "a.txt", d.EnsureUnique("a.txt"), "unused name passes through")

	require.NoError(t, d.WriteBlob("a.txt", []byte("x")))
	got := d.EnsureUnique("a.txt")
	assert.NotEqual(t, "a.txt", got)
	assert.True(t, strings.HasSuffix(got, "-a.txt"), "collision gets a timestamp prefix: %q", got)
}

func TestAssemblyCommit(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)

	a, err := d.NewAssembly("t1")
	require.NoError(t, err)

	tmp := filepath.Join(dir, "uploads", "t1.tmp")
	_, statErr := os.Stat(tmp)
	require.NoError(t, statErr, "temp file exists while in flight")

	require.NoError(t, a.Append([]byte("hello ")))
	require.NoError(t, a.Append([]byte("world")))
	assert.Equal(t, int64(11), a.Written())

	require.NoError(t, a.Commit("greeting.txt"))

	_, statErr = os.Stat(tmp)
	assert.True(t, os.IsNotExist(statErr), "temp gone after commit")

	data, err := os.ReadFile(d.Path("greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestAssemblyAbort(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)

	a, err := d.NewAssembly("t2")
	require.NoError(t, err)
	require.NoError(t, a.Append([]byte("partial")))
	a.Abort()

	_, statErr := os.Stat(filepath.Join(dir, "uploads", "t2.tmp"))
	assert.True(t, os.IsNotExist(statErr), "temp unlinked on abort")

	// Abort after abort is a no-op.
	a.Abort()
}
