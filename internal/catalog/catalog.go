// Package catalog maps song ids to their source references.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"audiorelay/internal/shared/logger"
	"audiorelay/internal/shared/types"
)

// Song is one catalog entry. FileURL is either a YouTube reference or a
// direct audio file URL.
type Song struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	FileURL string `json:"file_url"`
}

// Lookup resolves a song id. Unknown ids return types.ErrNotFound.
type Lookup interface {
	Lookup(ctx context.Context, id string) (Song, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidID reports whether id may appear in a URL path and the catalog.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

type index struct {
	byID  map[string]Song
	order []string
}

// FileCatalog is a Lookup backed by a JSON array on disk. Reads are lock
// free; Reload swaps the whole index.
type FileCatalog struct {
	path     string
	idx      atomic.Pointer[index]
	mu       sync.Mutex
	onReload []func(count int)
}

var _ Lookup = (*FileCatalog)(nil)

// NewFileCatalog loads path. A missing file yields an empty catalog.
func NewFileCatalog(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	c.idx.Store(&index{byID: map[string]Song{}})
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic builds an in-memory catalog.
func NewStatic(songs ...Song) (*FileCatalog, error) {
	idx, err := buildIndex(songs)
	if err != nil {
		return nil, err
	}
	c := &FileCatalog{}
	c.idx.Store(idx)
	return c, nil
}

// OnReload registers fn to be called with the new size after every
// successful reload.
func (c *FileCatalog) OnReload(fn func(count int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

func (c *FileCatalog) Lookup(ctx context.Context, id string) (Song, error) {
	if !ValidID(id) {
		return Song{}, fmt.Errorf("%w: invalid id", types.ErrNotFound)
	}
	s, ok := c.idx.Load().byID[id]
	if !ok {
		return Song{}, fmt.Errorf("%w: song %s", types.ErrNotFound, id)
	}
	return s, nil
}

// List returns the songs in file order.
func (c *FileCatalog) List() []Song {
	idx := c.idx.Load()
	out := make([]Song, 0, len(idx.order))
	for _, id := range idx.order {
		out = append(out, idx.byID[id])
	}
	return out
}

// Len is the number of songs.
func (c *FileCatalog) Len() int {
	return len(c.idx.Load().order)
}

// Reload re-reads the file. On error the current index stays in place.
func (c *FileCatalog) Reload() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Str("path", c.path).Msg("Catalog file not found, serving an empty catalog.")
			c.idx.Store(&index{byID: map[string]Song{}})
			c.notifyLocked(0)
			return nil
		}
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	var songs []Song
	if err := json.Unmarshal(data, &songs); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", c.path, err)
	}
	idx, err := buildIndex(songs)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", c.path, err)
	}
	c.idx.Store(idx)
	logger.Info().Str("path", c.path).Int("songs", len(idx.order)).Msg("Catalog loaded.")
	c.notifyLocked(len(idx.order))
	return nil
}

func (c *FileCatalog) notifyLocked(count int) {
	for _, fn := range c.onReload {
		fn(count)
	}
}

func buildIndex(songs []Song) (*index, error) {
	idx := &index{byID: make(map[string]Song, len(songs))}
	var errs []error
	for i, s := range songs {
		switch {
		case !ValidID(s.ID):
			errs = append(errs, fmt.Errorf("entry %d: invalid id %q", i, s.ID))
			continue
		case s.FileURL == "":
			errs = append(errs, fmt.Errorf("entry %d (%s): file_url is empty", i, s.ID))
			continue
		}
		if _, dup := idx.byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("entry %d: duplicate id %q", i, s.ID))
			continue
		}
		idx.byID[s.ID] = s
		idx.order = append(idx.order, s.ID)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return idx, nil
}

// IDs returns the sorted song ids.
func (c *FileCatalog) IDs() []string {
	ids := append([]string(nil), c.idx.Load().order...)
	sort.Strings(ids)
	return ids
}
