package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"errors"
	"io"

	"github.com/keithlinneman/linnemanlabs-assets/internal/repository"
	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

// ErrNothingToExport is returned when no item carries content to pack.
var ErrNothingToExport = errors.New("archive: nothing to export")

// Export packs items into a ZIP with maximum deflate compression. Items
// without content are skipped, and an archive with zero entries is an error
// rather than an empty download.
func Export(items []repository.Item) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	written := 0
	for _, it := range items {
		if len(it.Content) == 0 {
			continue
		}
		w, err := zw.Create(it.Path)
		if err != nil {
			return nil, xerrors.Wrapf(err, "create archive entry %q", it.Path)
		}
		if _, err := w.Write(it.Content); err != nil {
			return nil, xerrors.Wrapf(err, "write archive entry %q", it.Path)
		}
		written++
	}

	if written == 0 {
		return nil, ErrNothingToExport
	}
	if err := zw.Close(); err != nil {
		return nil, xerrors.Newf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}
