package urlcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/keithlinneman/linnemanlabs-assets/internal/xerrors"
)

// persistedEntry is the wire form: expiry as unix milliseconds so the file
// stays interoperable with the browser-side cache that shares this format.
type persistedEntry struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Save writes the cache to path as {key: {url, expiresAt}}. The write goes
// through a temp file + rename so a crash never leaves a torn file behind.
func (c *Cache) Save(path string) error {
	snap := c.Snapshot()
	out := make(map[string]persistedEntry, len(snap))
	for k, e := range snap {
		out[k] = persistedEntry{URL: e.URL, ExpiresAt: e.ExpiresAt.UnixMilli()}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return xerrors.Wrap(err, "marshal url cache")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".urlcache-*")
	if err != nil {
		return xerrors.Wrap(err, "create url cache temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(err, "write url cache")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(err, "close url cache temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(err, "replace url cache file")
	}
	return nil
}

// Load reads a persisted cache from path. A missing file is a valid empty
// start. A corrupt file is dropped the same way, the cache is advisory and
// re-signing rebuilds it.
func (c *Cache) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap(err, "read url cache")
	}

	var raw map[string]persistedEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		// treat as droppable, start fresh
		c.Replace(nil)
		return nil
	}

	entries := make(map[string]Entry, len(raw))
	for k, pe := range raw {
		entries[k] = Entry{URL: pe.URL, ExpiresAt: time.UnixMilli(pe.ExpiresAt)}
	}
	c.Replace(entries)
	return nil
}
