// Package archive turns uploaded ZIP streams into repository items and packs
// items back into downloadable ZIPs.
package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/keithlinneman/linnemanlabs-assets/internal/repository"
)

// Default size caps for imports.
const (
	DefaultMaxTotalBytes int64 = 500 * 1024 * 1024 // 500MB uncompressed
	DefaultMaxFileBytes  int64 = 100 * 1024 * 1024 // 100MB per entry
)

// rarMagic is the RAR container signature. RAR uploads are a common mistake
// and deserve a clear rejection instead of a generic parse failure.
var rarMagic = []byte("Rar!")

// ImportOptions bound the uncompressed size of an accepted archive.
type ImportOptions struct {
	MaxTotalBytes int64
	MaxFileBytes  int64
}

// ImportResult carries the imported items alongside per-entry failures.
// Both lists populated at once is a normal partial success.
type ImportResult struct {
	Items      []repository.Item
	Errors     []EntryError
	TotalBytes int64
}

// Import unpacks ZIP bytes into repository items. Directory entries, hidden
// files, and OS sidecar files are skipped silently. A malformed entry is
// recorded and skipped, the rest of the archive still imports. Container
// level problems (unreadable ZIP, RAR upload, size caps) abort the whole
// import with an error so nothing partial reaches persistence.
func Import(data []byte, opts ImportOptions) (*ImportResult, error) {
	maxTotal := opts.MaxTotalBytes
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotalBytes
	}
	maxFile := opts.MaxFileBytes
	if maxFile <= 0 {
		maxFile = DefaultMaxFileBytes
	}

	if len(data) == 0 {
		return nil, &FormatError{Reason: "empty archive"}
	}
	if bytes.HasPrefix(data, rarMagic) {
		return nil, &FormatError{Reason: "RAR archives are not supported, upload a ZIP"}
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &FormatError{Reason: "unreadable ZIP container", Err: err}
	}

	res := &ImportResult{}
	for _, f := range zr.File {
		if skipEntry(f) {
			continue
		}

		cleaned, err := repository.CleanPath(f.Name)
		if err != nil {
			res.Errors = append(res.Errors, EntryError{Path: f.Name, Reason: err.Error()})
			continue
		}

		// the header can lie about sizes, so enforce the caps again on the
		// actual bytes below
		if int64(f.UncompressedSize64) > maxFile {
			return nil, &SizeLimitError{Path: cleaned, Limit: maxFile, Size: int64(f.UncompressedSize64)}
		}

		content, err := readEntry(f, maxFile)
		if err != nil {
			if sizeErr, ok := err.(*SizeLimitError); ok {
				sizeErr.Path = cleaned
				return nil, sizeErr
			}
			res.Errors = append(res.Errors, EntryError{Path: cleaned, Reason: err.Error()})
			continue
		}

		res.TotalBytes += int64(len(content))
		if res.TotalBytes > maxTotal {
			return nil, &SizeLimitError{Limit: maxTotal, Size: res.TotalBytes}
		}

		res.Items = append(res.Items, repository.Item{
			Path:    cleaned,
			Content: content,
			Size:    int64(len(content)),
		})
	}

	return res, nil
}

// skipEntry filters directories, hidden files, and OS artifacts.
func skipEntry(f *zip.File) bool {
	name := f.Name
	if strings.HasSuffix(name, "/") || f.FileInfo().IsDir() {
		return true
	}
	if strings.HasPrefix(name, "__MACOSX/") {
		return true
	}
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if strings.HasPrefix(base, ".") {
		return true
	}
	switch base {
	case "Thumbs.db", "desktop.ini":
		return true
	}
	return false
}

func readEntry(f *zip.File, maxFile int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	lr := io.LimitReader(rc, maxFile+1)
	content, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > maxFile {
		return nil, &SizeLimitError{Limit: maxFile, Size: int64(len(content))}
	}
	return content, nil
}
