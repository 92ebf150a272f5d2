package migrate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// StructureFileName is the folder ledger written inside the ledger
// directory by folder-by-folder runs.
const StructureFileName = "structure.txt"

// Structure is the persisted folder ledger for folder-by-folder
// traversal. It holds the discovered folder list in traversal order
// and the per-folder count of keys confirmed done, and is rewritten to
// disk after each folder completes.
//
// On disk each folder is one line of the form "<path>  <count>" (two
// spaces). Folder prefixes are stored without their trailing slash;
// the bucket root is stored as ".". A zero count marks a folder whose
// traversal has not completed, so genuinely empty folders are
// re-listed on restart, which is cheap and harmless.
type Structure struct {
	path string

	mu     sync.Mutex
	order  []string
	counts map[string]int64
}

// NewStructure builds a structure ledger for freshly discovered
// folders, all unresolved. Call Sync to persist it before any copy
// work begins.
func NewStructure(path string, folders []string) *Structure {
	counts := make(map[string]int64, len(folders))
	order := make([]string, len(folders))
	for i, f := range folders {
		order[i] = f
		counts[f] = 0
	}
	return &Structure{path: path, order: order, counts: counts}
}

// LoadStructure reads a structure ledger from disk. A missing file is
// reported via the underlying fs error so callers can fall back to
// discovery.
func LoadStructure(path string) (*Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	s := &Structure{path: path, counts: make(map[string]int64)}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		folder, count, err := parseStructureLine(line)
		if err != nil {
			return nil, err
		}
		if _, dup := s.counts[folder]; !dup {
			s.order = append(s.order, folder)
		}
		s.counts[folder] = count
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("structure: read %s: %w", path, err)
	}
	return s, nil
}

// Folders returns the folder prefixes in traversal order.
func (s *Structure) Folders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Count returns the annotated count for a folder and whether the
// folder is known.
func (s *Structure) Count(folder string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.counts[folder]
	return n, ok
}

// ResumeIndex returns the position of the first unresolved folder.
// When every folder is annotated it returns len(Folders()).
func (s *Structure) ResumeIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.order {
		if s.counts[f] == 0 {
			return i
		}
	}
	return len(s.order)
}

// Annotate records a folder's completed count and rewrites the ledger
// on disk. The on-disk file is replaced atomically so an interrupted
// annotate leaves the previous ledger intact.
func (s *Structure) Annotate(folder string, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counts[folder]; !ok {
		return fmt.Errorf("structure: unknown folder %q", folder)
	}
	s.counts[folder] = count
	return s.syncLocked()
}

// Sync writes the ledger to disk.
func (s *Structure) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncLocked()
}

func (s *Structure) syncLocked() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".structure-*.txt")
	if err != nil {
		return fmt.Errorf("structure: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, folder := range s.order {
		if _, err := fmt.Fprintf(w, "%s  %d\n", encodeFolder(folder), s.counts[folder]); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("structure: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("structure: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("structure: close temp: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("structure: replace: %w", err)
	}
	tmpName = ""
	return nil
}

// encodeFolder maps a listing prefix to its on-disk form: trailing
// slash stripped, bucket root as ".".
func encodeFolder(folder string) string {
	if folder == "" {
		return "."
	}
	return strings.TrimSuffix(folder, "/")
}

// decodeFolder maps an on-disk folder back to its listing prefix.
func decodeFolder(raw string) string {
	if raw == "." {
		return ""
	}
	return raw + "/"
}

// parseStructureLine splits "<path>  <count>". The separator is the
// rightmost double space so folder names containing single spaces
// survive the round trip.
func parseStructureLine(line string) (folder string, count int64, err error) {
	i := strings.LastIndex(line, "  ")
	if i < 0 {
		return "", 0, fmt.Errorf("structure: malformed line %q", line)
	}
	raw := line[:i]
	countStr := strings.TrimSpace(line[i+2:])
	n, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil || raw == "" {
		return "", 0, fmt.Errorf("structure: malformed line %q", line)
	}
	return decodeFolder(raw), n, nil
}
