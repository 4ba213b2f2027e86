package packager

import (
	"archive/zip"
	"io/fs"
	"os"
	"time"

	"github.com/nuclio/errors"
)

// Entry permission bits. The bundle is executable-adjacent code but the
// managed runtime only needs read access, so everything ships 0644.
const (
	bundleMode fs.FileMode = 0o644
	assetMode  fs.FileMode = 0o644
)

// archiveEntry is one file destined for the zip.
type archiveEntry struct {
	name string
	data []byte
	mode fs.FileMode
}

// archiveEpoch fixes every entry's timestamp so repeated runs over
// unchanged sources produce byte-identical archives.
var archiveEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// writeArchive writes the entries, in order, to a zip at path and
// returns the archive size in bytes.
func writeArchive(path string, entries []archiveEntry) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "create archive")
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		hdr := &zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: archiveEpoch,
		}
		hdr.SetMode(e.mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return 0, errors.Wrapf(err, "add %s", e.name)
		}
		if _, err := w.Write(e.data); err != nil {
			return 0, errors.Wrapf(err, "write %s", e.name)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, errors.Wrap(err, "finalize archive")
	}

	info, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "stat archive")
	}
	return info.Size(), nil
}
