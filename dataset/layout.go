package dataset

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// On-disk names under the dataset root.
const (
	metadataName  = "metadata.json"
	completedName = "completed"
	shardsDir     = "shards"
	locksDir      = "locks"
	lockName      = "writer_lock.lock"
	scratchDir    = "scratch"
	scratchPrefix = "shard."
)

// shardPattern matches "{start}.{end}.shard" followed by any number of
// extensions (codec, compression).
var shardPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.shard(?:\.[A-Za-z0-9]+)*$`)

// ShardInfo describes one shard file. Start is the first element index it
// covers, End is one past the last; Size is the file length in bytes.
type ShardInfo struct {
	Path  string
	Start int64
	End   int64
	Size  int64
}

// Len returns the number of elements in the shard.
func (s ShardInfo) Len() int64 { return s.End - s.Start }

type layout struct {
	root string
}

func (l layout) metadata() string  { return filepath.Join(l.root, metadataName) }
func (l layout) completed() string { return filepath.Join(l.root, completedName) }
func (l layout) shards() string    { return filepath.Join(l.root, shardsDir) }
func (l layout) lock() string      { return filepath.Join(l.root, locksDir, lockName) }
func (l layout) scratch() string   { return filepath.Join(l.root, scratchDir) }

func (l layout) ensure() error {
	for _, dir := range []string{l.root, l.shards(), filepath.Join(l.root, locksDir), l.scratch()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("dataset: create %s: %w", dir, err)
		}
	}
	return nil
}

func (l layout) isCompleted() (bool, error) {
	_, err := os.Stat(l.completed())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// markCompleted creates the zero-byte completed marker.
func (l layout) markCompleted() error {
	f, err := os.OpenFile(l.completed(), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (l layout) shardPath(start, end int64, suffix string) string {
	return filepath.Join(l.shards(), fmt.Sprintf("%d.%d%s", start, end, suffix))
}

// parseShardName extracts start and end from a shard file's base name.
func parseShardName(name string) (start, end int64, ok bool) {
	m := shardPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	start, err1 := strconv.ParseInt(m[1], 10, 64)
	end, err2 := strconv.ParseInt(m[2], 10, 64)
	if err1 != nil || err2 != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

// shardsFor lists the shard files for one start, sorted by end ascending.
func (l layout) shardsFor(start int64) ([]ShardInfo, error) {
	return l.list(func(s int64) bool { return s == start })
}

// allShards lists every shard file, sorted by start then end.
func (l layout) allShards() ([]ShardInfo, error) {
	return l.list(func(int64) bool { return true })
}

// list reads shards/ and keeps the shard files whose start passes keep.
func (l layout) list(keep func(start int64) bool) ([]ShardInfo, error) {
	entries, err := os.ReadDir(l.shards())
	if err != nil {
		return nil, err
	}
	var out []ShardInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		s, end, ok := parseShardName(e.Name())
		if !ok || !keep(s) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // removed by a concurrent cleanup
			}
			return nil, err
		}
		out = append(out, ShardInfo{
			Path:  filepath.Join(l.shards(), e.Name()),
			Start: s,
			End:   end,
			Size:  fi.Size(),
		})
	}
	sortShards(out)
	return out, nil
}

func sortShards(s []ShardInfo) {
	slices.SortFunc(s, func(a, b ShardInfo) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		if c := cmp.Compare(a.End, b.End); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
}

// writeAtomic writes data to a scratch file and renames it onto dst, so a
// reader sees either the old file or the complete new one.
func (l layout) writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(l.scratch(), scratchPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	committed = true
	return nil
}
