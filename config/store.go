// Package config implements a small hot-reloadable configuration store,
// the Go translation of sylar's ConfigVarBase/Lookup registry: named,
// typed variables decoded from a YAML document, with subscriber callbacks
// fired whenever a value changes, whether from a programmatic Set or a
// watched file edit on disk.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/taskloop/corert/corelog"
	"gopkg.in/yaml.v3"
)

// watchDebounce is how long Store.Watch waits after the last write event on
// a path before reloading, so a handful of events from one editor save
// collapse into a single Load call.
const watchDebounce = 100 * time.Millisecond

// varBase is the non-generic half of a registered variable, giving the
// Store a uniform way to re-decode every variable from a freshly loaded
// document without knowing each one's concrete type.
type varBase interface {
	name() string
	reload(doc map[string]any) (changed bool)
}

// Var is a handle to a single named, typed configuration value. Get takes
// a read lock, so it only waits on a concurrent Set/reload; Subscribe
// registers a callback invoked (with old, new) whenever the value changes.
type Var[T any] struct {
	key         string
	description string
	mu          sync.RWMutex
	val         T
	subscribers []func(old, new T)
}

func (v *Var[T]) name() string { return v.key }

// Get returns the variable's current value.
func (v *Var[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.val
}

// Set assigns a new value programmatically and fires subscribers if it
// differs from the previous value (by %v comparison, since T is
// unconstrained and may not be comparable).
func (v *Var[T]) Set(val T) {
	v.mu.Lock()
	old := v.val
	changed := fmt.Sprintf("%v", old) != fmt.Sprintf("%v", val)
	v.val = val
	subs := append([]func(old, new T){}, v.subscribers...)
	v.mu.Unlock()
	if changed {
		for _, cb := range subs {
			cb(old, val)
		}
	}
}

// Subscribe registers cb to run on every value change, including ones
// produced by Store.Load picking up a file edit.
func (v *Var[T]) Subscribe(cb func(old, new T)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.subscribers = append(v.subscribers, cb)
}

func (v *Var[T]) reload(doc map[string]any) bool {
	raw, ok := doc[v.key]
	if !ok {
		return false
	}
	var val T
	b, err := yaml.Marshal(raw)
	if err != nil {
		corelog.Warn("config", "re-marshal failed", "key", v.key, "err", err)
		return false
	}
	if err := yaml.Unmarshal(b, &val); err != nil {
		corelog.Warn("config", "decode failed", "key", v.key, "err", err)
		return false
	}
	v.mu.RLock()
	old := v.val
	changed := fmt.Sprintf("%v", old) != fmt.Sprintf("%v", val)
	v.mu.RUnlock()
	if !changed {
		return false
	}
	v.mu.Lock()
	v.val = val
	subs := append([]func(old, new T){}, v.subscribers...)
	v.mu.Unlock()
	for _, cb := range subs {
		cb(old, val)
	}
	return true
}

// Store is a registry of Var handles backed by a single YAML document.
// Lookup is analogous to sylar's static ConfigVarBase::Lookup: a process
// typically has one Store, populated at startup by a sequence of
// config.Lookup calls, then optionally pointed at a file with Watch to
// pick up edits live.
type Store struct {
	mu    sync.RWMutex
	vars  map[string]varBase
	watch *fsnotify.Watcher
	done  chan struct{}

	debounceMu sync.Mutex
	debounce   *time.Timer
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{vars: make(map[string]varBase)}
}

// Lookup registers (or returns the existing) variable named key, with the
// given default and description. Subsequent Lookup calls for the same key
// with a different type panic rather than silently returning a variable of
// the wrong type.
func Lookup[T any](s *Store, key string, def T, description string) *Var[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.vars[key]; ok {
		v, ok := existing.(*Var[T])
		if !ok {
			corelog.Fatal("config", "lookup type mismatch", "key", key)
		}
		return v
	}
	v := &Var[T]{key: key, description: description, val: def}
	s.vars[key] = v
	return v
}

// Load decodes yamlDoc (a single top-level YAML mapping) and applies it to
// every currently registered variable, firing subscribers for any that
// changed.
func (s *Store) Load(yamlDoc []byte) error {
	var doc map[string]any
	if err := yaml.Unmarshal(yamlDoc, &doc); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	s.mu.RLock()
	vars := make([]varBase, 0, len(s.vars))
	for _, v := range s.vars {
		vars = append(vars, v)
	}
	s.mu.RUnlock()

	for _, v := range vars {
		if v.reload(doc) {
			corelog.Info("config", "variable changed", "key", v.name())
		}
	}
	return nil
}

// LoadFile reads and applies path via Load.
func (s *Store) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return s.Load(b)
}

// Watch loads path immediately, then watches it for writes, reloading
// (debounced by watchDebounce) until Close is called, since editors
// commonly emit several write events per save.
func (s *Store) Watch(path string) error {
	if err := s.LoadFile(path); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: fsnotify: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return fmt.Errorf("config: watch: %w", err)
	}
	s.watch = w
	s.done = make(chan struct{})
	go s.watchLoop(path)
	return nil
}

func (s *Store) watchLoop(path string) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watch.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.scheduleReload(path)
		case err, ok := <-s.watch.Errors:
			if !ok {
				return
			}
			corelog.Warn("config", "watch error", "err", err)
		}
	}
}

// scheduleReload (re)arms a single debounce timer per Store so a burst of
// write events on path collapses into one LoadFile call, firing
// watchDebounce after the most recent event.
func (s *Store) scheduleReload(path string) {
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(watchDebounce, func() {
		if err := s.LoadFile(path); err != nil {
			corelog.Warn("config", "reload failed", "path", path, "err", err)
		}
	})
}

// Close stops the file watcher started by Watch, if any.
func (s *Store) Close() error {
	if s.watch == nil {
		return nil
	}
	s.debounceMu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceMu.Unlock()
	close(s.done)
	return s.watch.Close()
}
