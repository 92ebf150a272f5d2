// Package ledger persists per-key migration outcomes as rotating,
// line-delimited key files.
//
// A ledger lives in one directory with a copied_keys and a failed_keys
// subdirectory, each holding numbered key files (copied_keys_1.txt,
// copied_keys_2.txt, ...). The active file rotates once it reaches the
// configured line limit. Every mutation opens, writes, and closes the
// backing file before returning, so a key is durably recorded the moment
// the call returns; the ledger is the engine's durability boundary.
//
// The ledger provides no cross-process locking. Running two engine
// instances against the same ledger directory is unsupported and can
// lose updates.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxKeysPerFile is the rotation threshold used when no limit is
// configured.
const DefaultMaxKeysPerFile = 1000

// Partition identifies one of the two key sets a ledger maintains.
type Partition int

const (
	// Copied holds keys whose metadata rewrite succeeded.
	Copied Partition = iota
	// Failed holds keys that exhausted all retry attempts.
	Failed
)

// String returns the partition name.
func (p Partition) String() string {
	switch p {
	case Copied:
		return "copied"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("partition(%d)", int(p))
	}
}

// dirName returns the subdirectory holding the partition's key files.
// The file prefix matches the directory name.
func (p Partition) dirName() string {
	switch p {
	case Copied:
		return "copied_keys"
	case Failed:
		return "failed_keys"
	default:
		return ""
	}
}

// activeFile tracks the current append target for one partition.
type activeFile struct {
	index int
	lines int
}

// Ledger is a file-backed, rotating store of copied and failed keys.
//
// Ledger is safe for concurrent use, though the engine drives it from a
// single flow of control.
type Ledger struct {
	root           string
	maxKeysPerFile int

	mu     sync.Mutex
	active [2]activeFile
}

// Open creates or reopens a ledger rooted at dir.
//
// Both partition subdirectories are created if missing. For each
// partition, the highest-numbered existing key file becomes the append
// target and its current line count is restored, so appends after a
// restart continue exactly where the previous run stopped.
// If maxKeysPerFile is zero or negative, DefaultMaxKeysPerFile applies.
func Open(dir string, maxKeysPerFile int) (*Ledger, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger: directory is required")
	}
	if maxKeysPerFile <= 0 {
		maxKeysPerFile = DefaultMaxKeysPerFile
	}

	l := &Ledger{
		root:           dir,
		maxKeysPerFile: maxKeysPerFile,
	}

	for _, p := range []Partition{Copied, Failed} {
		if err := os.MkdirAll(l.partitionDir(p), 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create %s partition: %w", p, err)
		}
		state, err := scanPartition(l.partitionDir(p), p.dirName())
		if err != nil {
			return nil, fmt.Errorf("ledger: scan %s partition: %w", p, err)
		}
		l.active[p] = state
	}

	return l, nil
}

// Root returns the ledger's root directory.
func (l *Ledger) Root() string {
	return l.root
}

// Record appends key to the given partition, rotating the active key
// file first if it has reached the line limit. The write is flushed and
// the file closed before Record returns.
func (l *Ledger) Record(p Partition, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.active[p]
	if state.lines >= l.maxKeysPerFile {
		state.index++
		state.lines = 0
	}

	path := l.keyFilePath(p, state.index)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", path, err)
	}
	if _, err := f.WriteString(key + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("ledger: append to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ledger: close %s: %w", path, err)
	}

	state.lines++
	l.active[p] = state
	return nil
}

// RemoveFromFailed deletes key from every failed key file that contains
// it, rewriting each affected file in place via a temporary file and
// rename. It reports whether the key was present anywhere in the failed
// partition. Removing an absent key is not an error.
func (l *Ledger) RemoveFromFailed(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := partitionFiles(l.partitionDir(Failed), Failed.dirName())
	if err != nil {
		return false, fmt.Errorf("ledger: list failed partition: %w", err)
	}

	removed := false
	for _, kf := range files {
		changed, kept, err := rewriteWithout(kf.path, key)
		if err != nil {
			return removed, err
		}
		if !changed {
			continue
		}
		removed = true
		if kf.index == l.active[Failed].index {
			l.active[Failed] = activeFile{index: kf.index, lines: kept}
		}
	}

	return removed, nil
}

// Walk calls fn for every key in the partition, in file order (by file
// number) then line order. Iteration stops at the first error from fn.
func (l *Ledger) Walk(p Partition, fn func(key string) error) error {
	files, err := partitionFiles(l.partitionDir(p), p.dirName())
	if err != nil {
		return fmt.Errorf("ledger: list %s partition: %w", p, err)
	}

	for _, kf := range files {
		if err := walkFile(kf.path, fn); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every key in the partition, in file order then line order.
func (l *Ledger) Keys(p Partition) ([]string, error) {
	var keys []string
	err := l.Walk(p, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// KeySet returns the partition's keys as a set, for fast membership
// checks when skipping already-processed keys.
func (l *Ledger) KeySet(p Partition) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	err := l.Walk(p, func(key string) error {
		set[key] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Count returns the number of keys recorded in the partition.
func (l *Ledger) Count(p Partition) (int, error) {
	n := 0
	err := l.Walk(p, func(string) error {
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Files returns the partition's key file paths in file-number order.
func (l *Ledger) Files(p Partition) ([]string, error) {
	files, err := partitionFiles(l.partitionDir(p), p.dirName())
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s partition: %w", p, err)
	}

	paths := make([]string, 0, len(files))
	for _, kf := range files {
		paths = append(paths, kf.path)
	}
	return paths, nil
}

func (l *Ledger) partitionDir(p Partition) string {
	return filepath.Join(l.root, p.dirName())
}

func (l *Ledger) keyFilePath(p Partition, index int) string {
	return filepath.Join(l.partitionDir(p), fmt.Sprintf("%s_%d.txt", p.dirName(), index))
}

// validateKey rejects keys that cannot survive the line-delimited format.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("ledger: empty key")
	}
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("ledger: key contains line break: %q", key)
	}
	return nil
}

// keyFile is one numbered file within a partition.
type keyFile struct {
	path  string
	index int
}

// partitionFiles returns the partition's key files sorted by file number.
// Numeric ordering keeps load order stable past ten files, where plain
// name sorting would interleave _10 before _2.
func partitionFiles(dir, prefix string) ([]keyFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []keyFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		index, ok := parseKeyFileName(e.Name(), prefix)
		if !ok {
			continue
		}
		files = append(files, keyFile{path: filepath.Join(dir, e.Name()), index: index})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].index < files[j].index })
	return files, nil
}

// parseKeyFileName extracts the file number from "<prefix>_<n>.txt".
func parseKeyFileName(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix+"_")
	if !ok {
		return 0, false
	}
	numStr, ok := strings.CutSuffix(rest, ".txt")
	if !ok {
		return 0, false
	}
	index, err := strconv.Atoi(numStr)
	if err != nil || index < 1 {
		return 0, false
	}
	return index, true
}

// scanPartition determines the append target for a partition: the
// highest-numbered existing file and its line count, or file 1 with
// zero lines when the partition is empty.
func scanPartition(dir, prefix string) (activeFile, error) {
	files, err := partitionFiles(dir, prefix)
	if err != nil {
		return activeFile{}, err
	}
	if len(files) == 0 {
		return activeFile{index: 1, lines: 0}, nil
	}

	last := files[len(files)-1]
	lines, err := countKeys(last.path)
	if err != nil {
		return activeFile{}, err
	}
	return activeFile{index: last.index, lines: lines}, nil
}

// walkFile yields each non-empty, whitespace-trimmed line of one key file.
func walkFile(path string, fn func(key string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ledger: read %s: %w", path, err)
	}
	return nil
}

// countKeys counts non-empty lines in one key file.
func countKeys(path string) (int, error) {
	n := 0
	err := walkFile(path, func(string) error {
		n++
		return nil
	})
	return n, err
}

// rewriteWithout rewrites the key file at path with every line equal to
// key removed. It writes a sibling temporary file and renames it over
// the original so readers never observe a half-written file. It returns
// whether anything was removed and how many keys remain.
func rewriteWithout(path, key string) (changed bool, kept int, err error) {
	var remaining []string
	found := false
	err = walkFile(path, func(k string) error {
		if k == key {
			found = true
			return nil
		}
		remaining = append(remaining, k)
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	if !found {
		return false, 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, 0, fmt.Errorf("ledger: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, k := range remaining {
		if _, err := w.WriteString(k + "\n"); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return false, 0, fmt.Errorf("ledger: rewrite %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("ledger: rewrite %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("ledger: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return false, 0, fmt.Errorf("ledger: replace %s: %w", path, err)
	}

	return true, len(remaining), nil
}
