package source

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"ctxbudget/internal/content"
)

// DefaultDebounce is the quiet period before pending changes are published.
const DefaultDebounce = 500 * time.Millisecond

// Event reports a changed or removed file under a watched root.
type Event struct {
	Unit    content.Unit `json:"unit"`
	Removed bool         `json:"removed,omitempty"`
}

// Watcher publishes debounced file changes under a root as unit events. The
// scanner's filters decide which files and directories are watched.
type Watcher struct {
	root          string
	scanner       *Scanner
	watcher       *fsnotify.Watcher
	debounceDelay time.Duration
	logger        zerolog.Logger
	events        chan Event

	mu       sync.Mutex
	pending  map[string]struct{}
	timer    *time.Timer
	stopCh   chan struct{}
	stopped  bool
	inflight sync.WaitGroup
	loopDone chan struct{}
}

// NewWatcher watches root and every directory below it that the scanner
// would descend into.
func NewWatcher(root string, scanner *Scanner, logger zerolog.Logger) (*Watcher, error) {
	if scanner == nil {
		return nil, errors.New("source: watcher requires a scanner")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	fw := &Watcher{
		root:          abs,
		scanner:       scanner,
		watcher:       w,
		debounceDelay: DefaultDebounce,
		logger:        logger,
		events:        make(chan Event, 64),
		pending:       make(map[string]struct{}),
		stopCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	if err := fw.addTree(abs); err != nil {
		_ = w.Close()
		return nil, err
	}

	go fw.loop()

	return fw, nil
}

// Events returns the channel events are published on. It is closed by Close.
func (fw *Watcher) Events() <-chan Event {
	return fw.events
}

// SetDebounceDelay sets the debounce delay.
func (fw *Watcher) SetDebounceDelay(d time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.debounceDelay = d
}

// addTree registers dir and its non-skipped subdirectories.
func (fw *Watcher) addTree(dir string) error {
	var mu sync.Mutex
	var dirs []string
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if fw.scanner.skipDir(fw.rel(path)) {
			return fs.SkipDir
		}
		mu.Lock()
		dirs = append(dirs, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	for _, d := range dirs {
		if err := fw.watcher.Add(d); err != nil {
			fw.logger.Warn().Err(err).Str("path", d).Msg("source: failed to watch directory")
		}
	}
	fw.logger.Debug().Str("root", dir).Int("dirs", len(dirs)).Msg("source: watching tree")
	return nil
}

func (fw *Watcher) rel(path string) string {
	rel, err := filepath.Rel(fw.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func (fw *Watcher) loop() {
	defer close(fw.loopDone)
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !fw.scanner.skipDir(fw.rel(event.Name)) {
						if err := fw.addTree(event.Name); err != nil {
							fw.logger.Warn().Err(err).Str("path", event.Name).Msg("source: failed to watch new directory")
						}
					}
					continue
				}
			}
			if !fw.scanner.accept(fw.rel(event.Name)) {
				continue
			}

			fw.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("source: file changed")

			fw.addPending(event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("source: watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

// addPending adds a file to the pending set and resets the debounce timer.
func (fw *Watcher) addPending(file string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return
	}

	fw.pending[file] = struct{}{}

	if fw.timer != nil {
		fw.timer.Stop()
	}

	fw.timer = time.AfterFunc(fw.debounceDelay, fw.firePending)
}

// firePending loads every pending file and publishes one event per file.
func (fw *Watcher) firePending() {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return
	}
	files := make([]string, 0, len(fw.pending))
	for f := range fw.pending {
		files = append(files, f)
	}
	fw.pending = make(map[string]struct{})
	fw.inflight.Add(1)
	fw.mu.Unlock()
	defer fw.inflight.Done()

	sort.Strings(files)
	for _, f := range files {
		ev, ok := fw.eventFor(f)
		if !ok {
			continue
		}
		select {
		case fw.events <- ev:
		case <-fw.stopCh:
			return
		}
	}
}

func (fw *Watcher) eventFor(path string) (Event, bool) {
	rel := fw.rel(path)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		kind, lang := Detect(rel)
		return Event{Unit: content.NewUnit(rel, "", kind, lang, time.Time{}), Removed: true}, true
	}
	u, reason := load(fw.root, rel, fw.scanner.config.MaxUnitBytes)
	if reason != "" {
		fw.logger.Debug().Str("file", rel).Str("reason", reason).Msg("source: change skipped")
		return Event{}, false
	}
	return Event{Unit: u}, true
}

// Close stops the watcher and closes the events channel.
func (fw *Watcher) Close() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	fw.stopped = true
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()

	close(fw.stopCh)
	err := fw.watcher.Close()
	<-fw.loopDone
	fw.inflight.Wait()
	close(fw.events)
	return err
}
