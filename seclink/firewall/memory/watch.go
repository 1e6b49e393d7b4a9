package memory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/phcnguyen/seclink/seclink/firewall"
)

// ParseBlocklist reads one address or CIDR prefix per line. Blank lines
// and text after '#' are ignored.
func ParseBlocklist(r io.Reader) ([]netip.Prefix, error) {
	var out []netip.Prefix
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		p, err := firewall.ParseEntry(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, p)
	}
	return out, sc.Err()
}

// LoadFile replaces the static blocklist with the contents of path. A
// missing file clears it.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.SetStatic(nil)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	prefixes, err := ParseBlocklist(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	s.SetStatic(prefixes)
	return nil
}

// WatchFile loads path and reloads it whenever it changes, until ctx is
// done. fsnotify delivers changes immediately; poll is a fallback for
// filesystems without notifications. A file that fails to parse leaves the
// previous list in place.
func (s *Store) WatchFile(ctx context.Context, path string, poll time.Duration) error {
	if err := s.LoadFile(path); err != nil {
		return err
	}

	// Watch the directory: atomic replacements rename over the file and
	// drop a watch on the old inode.
	var (
		events   <-chan fsnotify.Event
		errs     <-chan error
		fileName = filepath.Base(path)
	)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
			errs = watcher.Errors
		} else {
			s.notifier.NotifyError(fmt.Sprintf("Blocklist watch failed, polling instead: %v", err))
		}
	} else {
		s.notifier.NotifyError(fmt.Sprintf("fsnotify unavailable, polling instead: %v", err))
	}

	if poll <= 0 {
		poll = DefaultUnblockInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	reload := func() {
		if err := s.LoadFile(path); err != nil {
			s.notifier.NotifyError(fmt.Sprintf("Blocklist reload failed: %v", err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != fileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				reload()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.notifier.NotifyError(fmt.Sprintf("Blocklist watch error: %v", err))
		case <-ticker.C:
			reload()
		}
	}
}
