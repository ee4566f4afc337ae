// Package clipcache reuses previously rendered clips when a search repeats
// with an unchanged input set. The fingerprint is the metadata sidecar
// written next to a group's clips; the group directory name already binds
// phrase and file-set hashes, the sidecar guards against hash collisions
// and against files edited in place.
package clipcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/forPelevin/phrasecut/internal/logging"
)

const metadataName = "metadata.json"

// Metadata is the cache sidecar. SourceFiles is stored sorted; a cache hit
// requires the current request's sorted file set to match it exactly.
type Metadata struct {
	Version     int      `json:"version"`
	SourceFiles []string `json:"source_files"`
	Phrase      string   `json:"phrase"`
	MaxResults  int      `json:"max_results"`
}

type Cache struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Cache {
	return &Cache{log: logging.WithComponent(log, "clipcache")}
}

// Lookup checks whether dir holds a complete render for (files, phrase).
// On a hit it returns the cached clip file names in render order, capped at
// maxResults. A missing sidecar is a plain miss; any other inconsistency
// (different file set, or a clip file gone from disk) purges the directory
// so the caller re-renders from scratch rather than trusting a half-valid
// cache.
func (c *Cache) Lookup(dir string, files []string, phrase string, maxResults int) ([]string, bool) {
	meta, err := readMetadata(filepath.Join(dir, metadataName))
	if err != nil {
		return nil, false
	}

	if !sameFileSet(meta.SourceFiles, files) {
		c.log.Debug("cache source set changed, purging", "dir", dir)
		c.Purge(dir)
		return nil, false
	}

	names, err := listClips(dir)
	if err != nil || len(names) == 0 {
		c.Purge(dir)
		return nil, false
	}
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.Size() == 0 {
			c.log.Debug("cached clip missing or empty, purging", "dir", dir, "clip", name)
			c.Purge(dir)
			return nil, false
		}
	}

	if maxResults > 0 && len(names) > maxResults {
		names = names[:maxResults]
	}
	c.log.Info("reusing cached clips", "dir", dir, "clips", len(names), "phrase", phrase)
	return names, true
}

// Write records a completed render. Called only after every clip file is on
// disk; a lookup that races a half-finished render sees no sidecar and
// treats the directory as invalid.
func (c *Cache) Write(dir string, files []string, phrase string, maxResults int) error {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	b, err := json.MarshalIndent(Metadata{
		Version:     1,
		SourceFiles: sorted,
		Phrase:      phrase,
		MaxResults:  maxResults,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataName), b, 0o644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	return nil
}

// Purge removes a group directory and everything in it.
func (c *Cache) Purge(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		c.log.Warn("could not purge cache dir", "dir", dir, "error", err)
	}
}

// Lock takes an advisory lock on the clips root for the duration of a
// render, so two phrasecut processes sharing one cache cannot interleave
// writes into the same group directory. The returned release function is
// safe to call once.
func Lock(ctx context.Context, root string) (release func(), err error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create clips root: %w", err)
	}
	fl := flock.New(filepath.Join(root, ".render.lock"))

	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, 250*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock clips root: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock clips root: %s is held by another process", root)
	}
	return func() { _ = fl.Unlock() }, nil
}

func readMetadata(path string) (Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse cache metadata: %w", err)
	}
	if meta.Version != 1 {
		return Metadata{}, fmt.Errorf("cache metadata version %d not supported", meta.Version)
	}
	return meta, nil
}

func listClips(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp4") {
			continue
		}
		names = append(names, e.Name())
	}
	// Clip files are numbered with fixed width, so lexicographic order is
	// render order.
	sort.Strings(names)
	return names, nil
}

func sameFileSet(stored, current []string) bool {
	if len(stored) != len(current) {
		return false
	}
	sorted := append([]string(nil), current...)
	sort.Strings(sorted)
	for i, f := range sorted {
		if stored[i] != f {
			return false
		}
	}
	return true
}
