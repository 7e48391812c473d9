package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"bikeshare-etl/internal/domain"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func collect(t *testing.T, s *Scanner) ([]File, []error) {
	t.Helper()
	var files []File
	var errs []error
	for f, err := range s.Files(context.Background()) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	return files, errs
}

func TestScannerOrderAndEncodings(t *testing.T) {
	root := t.TempDir()
	payload := []byte(`[]`)
	writeFile(t, filepath.Join(root, "2024", "velib_20240301_101500.json"), payload)
	writeFile(t, filepath.Join(root, "2024", "velib_20240301_100000.json.gz"), gzipBytes(t, payload))
	writeFile(t, filepath.Join(root, "2023", "velib_20231231_235900.json.zst"), zstdBytes(t, payload))
	writeFile(t, filepath.Join(root, "README.txt"), []byte("ignored"))

	s := NewScanner(root, time.UTC, nil)
	files, errs := collect(t, s)
	require.Empty(t, errs)
	require.Len(t, files, 3)

	require.Equal(t, "2023/velib_20231231_235900.json.zst", files[0].ID.Path)
	require.Equal(t, Zstd, files[0].Encoding)
	require.Equal(t, "2024/velib_20240301_100000.json.gz", files[1].ID.Path)
	require.Equal(t, Gzip, files[1].Encoding)
	require.Equal(t, "2024/velib_20240301_101500.json", files[2].ID.Path)
	require.Equal(t, Plain, files[2].Encoding)

	for i, f := range files {
		require.Equal(t, i, f.Ordinal)
		require.NotZero(t, f.ID.Signature)
	}
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), files[1].CapturedAt)

	again, _ := collect(t, s)
	require.Equal(t, files, again)
}

func TestScannerReportsBadNames(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dump.json"), []byte(`[]`))
	writeFile(t, filepath.Join(root, "velib_20240301_100000.json"), []byte(`[]`))

	files, errs := collect(t, NewScanner(root, time.UTC, nil))
	require.Len(t, files, 1)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], domain.ErrFileCorrupt)
}

func TestScannerMissingRootIsFatal(t *testing.T) {
	files, errs := collect(t, NewScanner(filepath.Join(t.TempDir(), "missing"), time.UTC, nil))
	require.Empty(t, files)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], domain.ErrFatalIO)
	require.True(t, domain.Fatal(errs[0]))
}

func TestSignatureTracksContent(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "velib_20240301_100000.json")
	writeFile(t, path, []byte(`[]`))
	first, _ := collect(t, NewScanner(root, time.UTC, nil))

	writeFile(t, path, []byte(`[ ]`))
	second, _ := collect(t, NewScanner(root, time.UTC, nil))

	require.Equal(t, first[0].ID.Path, second[0].ID.Path)
	require.NotEqual(t, first[0].ID.Key(), second[0].ID.Key())
}

type knownFiles struct {
	sigs    map[string]uint64
	stats   map[string]domain.FileStat
	lookups int
	err     error
}

func (k *knownFiles) CommittedSignature(_ context.Context, path string, stat domain.FileStat) (uint64, bool, error) {
	k.lookups++
	if k.err != nil {
		return 0, false, k.err
	}
	known, ok := k.stats[path]
	if !ok || !known.Equal(stat) {
		return 0, false, nil
	}
	return k.sigs[path], true, nil
}

func TestScannerReusesKnownSignatures(t *testing.T) {
	root := t.TempDir()
	mtime := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	for _, name := range []string{"velib_20240301_100000.json", "velib_20240301_101500.json"} {
		path := filepath.Join(root, name)
		writeFile(t, path, []byte(`[]`))
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}

	plain, errs := collect(t, NewScanner(root, time.UTC, nil))
	require.Empty(t, errs)
	require.Equal(t, domain.NewFileStat(2, mtime), plain[0].Stat)

	known := &knownFiles{
		sigs:  map[string]uint64{"velib_20240301_100000.json": 7, "velib_20240301_101500.json": 9},
		stats: map[string]domain.FileStat{"velib_20240301_100000.json": domain.NewFileStat(2, mtime)},
	}
	files, errs := collect(t, NewScanner(root, time.UTC, nil).WithFingerprints(known))
	require.Empty(t, errs)
	require.Equal(t, 2, known.lookups)
	require.Equal(t, uint64(7), files[0].ID.Signature, "unchanged committed file is not read")
	require.Equal(t, plain[1].ID, files[1].ID, "unknown file is hashed")

	known.err = domain.ErrLedgerUnavailable
	_, errs = collect(t, NewScanner(root, time.UTC, nil).WithFingerprints(known))
	require.NotEmpty(t, errs)
	require.True(t, domain.Fatal(errs[0]))
}

func TestOpenDecompresses(t *testing.T) {
	root := t.TempDir()
	payload := []byte(`[{"station":{"code":"1"}}]`)
	writeFile(t, filepath.Join(root, "velib_20240301_100000.json.gz"), gzipBytes(t, payload))
	writeFile(t, filepath.Join(root, "velib_20240301_100100.json.zst"), zstdBytes(t, payload))
	writeFile(t, filepath.Join(root, "velib_20240301_100200.json"), payload)

	files, errs := collect(t, NewScanner(root, time.UTC, nil))
	require.Empty(t, errs)
	require.Len(t, files, 3)
	for _, f := range files {
		rc, err := Open(f)
		require.NoError(t, err, f.ID.Path)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, payload, got, f.ID.Path)
	}
}

func TestParseCaptureTime(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	at, err := ParseCaptureTime("velib_20240715_083000_extra.json.gz", paris)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 7, 15, 6, 30, 0, 0, time.UTC), at.UTC())

	_, err = ParseCaptureTime("velib_2024-07-15.json", paris)
	require.Error(t, err)
	_, err = ParseCaptureTime("velib.json", paris)
	require.Error(t, err)
}

func TestParseCaptureTimeRepeatedHour(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)

	// 02:30 happens at 00:30Z (CEST) and again at 01:30Z (CET).
	at, repeated, err := parseCaptureTime("velib_20241027_023000.json", paris)
	require.NoError(t, err)
	require.True(t, repeated)
	require.Equal(t, time.Date(2024, 10, 27, 0, 30, 0, 0, time.UTC), at.UTC())

	at, repeated, err = parseCaptureTime("velib_20241027_033000.json", paris)
	require.NoError(t, err)
	require.False(t, repeated)
	require.Equal(t, time.Date(2024, 10, 27, 2, 30, 0, 0, time.UTC), at.UTC())

	for i := 0; i < 20; i++ {
		again, err := ParseCaptureTime("velib_20241027_023000.json", paris)
		require.NoError(t, err)
		require.Equal(t, time.Date(2024, 10, 27, 0, 30, 0, 0, time.UTC), again.UTC())
	}

	_, repeated, err = parseCaptureTime("velib_20241027_023000.json", time.UTC)
	require.NoError(t, err)
	require.False(t, repeated)
}
