// Package modconfig is the layered configuration store: one live, versioned
// document per module id, built by merging the module's packaged base
// document with the user's override file.
//
// Reads never block on writers. Writes for one module are serialized; writes
// for different modules proceed in parallel.
package modconfig

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/FocuswithJustin/modhost/core/configdoc"
	apperrors "github.com/FocuswithJustin/modhost/core/errors"
	"github.com/FocuswithJustin/modhost/core/vpath"
	"github.com/FocuswithJustin/modhost/internal/logging"
)

// Snapshot is one immutable published version of a module's document.
// Callers must not modify Doc.
type Snapshot struct {
	ModuleID string
	Version  uint64
	Doc      configdoc.Document
}

// Options configures a Store.
type Options struct {
	// ModulesDir holds <id>/webroot/config.json base documents.
	ModulesDir string
	// ConfigDir holds <id>.json override documents.
	ConfigDir string
	Strategy  configdoc.ListStrategy
	// Journal, when set, records every saved override.
	Journal *Journal
}

// Store owns the per-module cells. The zero value is not usable; use New.
type Store struct {
	opts  Options
	mu    sync.Mutex
	cells map[string]*cell
	group singleflight.Group
}

type cell struct {
	id      string
	current atomic.Pointer[Snapshot]
	// write is held for the whole read-modify-write-publish sequence.
	write *semaphore.Weighted

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

// New creates a Store.
func New(opts Options) *Store {
	return &Store{opts: opts, cells: map[string]*cell{}}
}

// ValidateModuleID rejects ids that could not safely name a file.
func ValidateModuleID(id string) error {
	return configdoc.ValidateModuleID(id)
}

// Current returns the latest snapshot for id, loading it synchronously on
// first access. Concurrent first accesses share one load.
func (s *Store) Current(id string) (Snapshot, error) {
	if err := ValidateModuleID(id); err != nil {
		return Snapshot{}, err
	}
	c := s.cell(id)
	if snap := c.current.Load(); snap != nil {
		return *snap, nil
	}
	v, _, _ := s.group.Do(id, func() (any, error) {
		if snap := c.current.Load(); snap != nil {
			return snap, nil
		}
		snap := &Snapshot{ModuleID: id, Version: s.firstVersion(id), Doc: s.load(id)}
		c.current.Store(snap)
		logging.ConfigEvent("load", id, snap.Version)
		return snap, nil
	})
	return *v.(*Snapshot), nil
}

// firstVersion is the version of the first snapshot loaded for id in this
// process. With a journal it continues from the last recorded save.
func (s *Store) firstVersion(id string) uint64 {
	if s.opts.Journal == nil {
		return 1
	}
	latest, err := s.opts.Journal.Latest(context.Background(), id)
	if err != nil {
		logging.Warn("cannot read journal version", "module_id", id, "error", err)
		return 1
	}
	if latest == 0 {
		return 1
	}
	return latest
}

// Get looks up a dotted path in the current merged document.
func (s *Store) Get(id, path string) (gjson.Result, error) {
	snap, err := s.Current(id)
	if err != nil {
		return gjson.Result{}, err
	}
	data, err := json.Marshal(snap.Doc)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(data, path), nil
}

// Save applies changes to id's override file and publishes the result as a
// new version. Keys are dotted paths; a nil value removes the key from the
// override. Lock acquisition and storage failures are returned.
func (s *Store) Save(ctx context.Context, id string, changes map[string]any) (Snapshot, error) {
	if _, err := s.Current(id); err != nil {
		return Snapshot{}, err
	}
	c := s.cell(id)

	if err := c.write.Acquire(ctx, 1); err != nil {
		return Snapshot{}, apperrors.NewIO("lock config", id, err)
	}
	defer c.write.Release(1)

	raw := s.readOverride(id)
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		if changes[k] == nil {
			raw, err = sjson.DeleteBytes(raw, k)
		} else {
			raw, err = sjson.SetBytes(raw, k, changes[k])
		}
		if err != nil {
			return Snapshot{}, apperrors.NewValidation(k, err.Error())
		}
	}

	if err := writeAtomic(s.overridePath(id), raw); err != nil {
		return Snapshot{}, apperrors.NewIO("write config", id+".json", err)
	}

	prev := c.current.Load()
	snap := &Snapshot{ModuleID: id, Version: prev.Version + 1, Doc: s.load(id)}
	c.current.Store(snap)
	c.publish(*snap)
	logging.ConfigEvent("save", id, snap.Version, "keys", keys)

	if s.opts.Journal != nil {
		if err := s.opts.Journal.Record(ctx, id, snap.Version, raw, time.Now()); err != nil {
			logging.Warn("config journal write failed", "module_id", id, "error", err)
		}
	}
	return *snap, nil
}

// History lists journaled revisions for id, newest first.
func (s *Store) History(ctx context.Context, id string, limit int) ([]Revision, error) {
	if s.opts.Journal == nil {
		return nil, apperrors.NewUnsupported("history", "no journal configured")
	}
	return s.opts.Journal.History(ctx, id, limit)
}

func (s *Store) cell(id string) *cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[id]
	if !ok {
		c = &cell{
			id:    id,
			write: semaphore.NewWeighted(1),
			subs:  map[uint64]*subscriber{},
		}
		s.cells[id] = c
	}
	return c
}

// load reads and merges both documents. It never fails: unreadable or
// malformed input counts as an empty document.
func (s *Store) load(id string) configdoc.Document {
	base := s.parse(id, "base", s.readBase(id))
	override := s.parse(id, "override", s.readOverride(id))
	return configdoc.DeepMerge(base.WithModuleID(id), override.WithModuleID(id), s.opts.Strategy)
}

func (s *Store) parse(id, side string, data []byte) configdoc.Document {
	doc, err := configdoc.Parse(data)
	if err != nil {
		logging.Warn("malformed module config", "module_id", id, "side", side, "error", err)
		return configdoc.Document{}
	}
	return doc
}

func (s *Store) readBase(id string) []byte {
	if s.opts.ModulesDir == "" {
		return nil
	}
	vp, err := vpath.Contain(s.opts.ModulesDir, filepath.Join(id, "webroot", "config.json"))
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(vp.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("unreadable base config", "module_id", id, "error", err)
		}
		return nil
	}
	return data
}

func (s *Store) overridePath(id string) string {
	return filepath.Join(s.opts.ConfigDir, id+".json")
}

// readOverride returns the override bytes, creating the file with {} when it
// does not exist. Malformed content is returned as {} so edits start clean.
func (s *Store) readOverride(id string) []byte {
	path := s.overridePath(id)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
			if len(strings.TrimSpace(string(data))) > 0 {
				logging.Warn("malformed override config", "module_id", id)
			}
			return []byte("{}")
		}
		return data
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(s.opts.ConfigDir, 0o755); err != nil {
			logging.Warn("cannot create config dir", "module_id", id, "error", err)
			return []byte("{}")
		}
		if err := writeAtomic(path, []byte("{}")); err != nil {
			logging.Warn("cannot create override config", "module_id", id, "error", err)
		}
		return []byte("{}")
	default:
		logging.Warn("unreadable override config", "module_id", id, "error", err)
		return []byte("{}")
	}
}

// writeAtomic writes data to a temp file beside path and renames it over
// path so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".modhost-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
