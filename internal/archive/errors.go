package archive

import "fmt"

// FormatError means the container itself is unusable (corrupt ZIP, wrong
// format). The whole import aborts before any item is read.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("archive format: %s: %v", e.Reason, e.Err)
	}
	return "archive format: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// SizeLimitError means a configured cap was exceeded. The import aborts
// before persistence so no partial repository state survives.
type SizeLimitError struct {
	Path  string // empty for the total cap
	Limit int64
	Size  int64
}

func (e *SizeLimitError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("entry %s exceeds per-file limit (%d > %d bytes)", e.Path, e.Size, e.Limit)
	}
	return fmt.Sprintf("archive exceeds total size limit (%d > %d bytes)", e.Size, e.Limit)
}

// EntryError records one bad entry inside an otherwise valid archive. The
// import continues past it.
type EntryError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}
