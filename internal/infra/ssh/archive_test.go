package ssh

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteArchive_RelativeEntries(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "start.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README"), []byte("hi"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, writeArchive(&buf, src))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	contents := map[string]string{}
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = string(b)
		}
	}
	sort.Strings(names)

	assert.Equal(t, []string{"README", "bin/", "bin/start.sh"}, names)
	assert.Equal(t, "#!/bin/sh\n", contents["bin/start.sh"])
}

func TestCreateArchive_RejectsFile(t *testing.T) {
	t.Parallel()

	f := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(f, nil, 0o644))

	_, err := createArchive(f)
	assert.Error(t, err)
}

func TestShellQuote(t *testing.T) {
	t.Parallel()
	assert.Equal(t, `'/opt/my app'`, shellQuote("/opt/my app"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
