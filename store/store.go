// Package store keeps cached play-by-play records as flat files, one file per
// game id, never rewritten once created.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pbpcache/gameid"
)

var ErrEntryExists = errors.New("cache entry already exists")

func Path(prefix string, id gameid.ID) string {
	return filepath.Join(prefix, id.String())
}

// Load returns the entry at path. A missing file is not an error, it is a
// cache miss and ok is false.
func Load(path string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return true, nil
}

// Save creates the entry at path along with any missing directories. The
// data lands under a temporary name first and is then linked into place, so
// readers never see a partial file and an existing entry is never replaced.
func Save(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := link(tmpName, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrEntryExists, path)
		}
		// FAT, some network mounts and some container volumes refuse hard links.
		return createExclusive(path, data)
	}
	return nil
}

var link = os.Link

// createExclusive writes data to a file that must not exist yet. Unlike the
// link path a reader can see the file before it is complete.
func createExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrEntryExists, path)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// Copy copies src to dst unless dst already exists. It reports whether a
// copy was made.
func Copy(src, dst string) (bool, error) {
	exists, err := Exists(dst)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return false, err
	}
	if err := Save(dst, data); err != nil {
		if errors.Is(err, ErrEntryExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type Entry struct {
	Name string
	Path string
}

func (e Entry) Read() ([]byte, error) {
	return os.ReadFile(e.Path)
}

// Entries yields the files directly inside dir in name order. Hidden files
// and subdirectories are skipped.
func Entries(dir string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		items, err := os.ReadDir(dir)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
		for _, item := range items {
			if strings.HasPrefix(item.Name(), ".") || item.IsDir() {
				continue
			}
			if !yield(Entry{Name: item.Name(), Path: filepath.Join(dir, item.Name())}, nil) {
				return
			}
		}
	}
}

// Names lists the entry names in dir. A missing dir is empty.
func Names(dir string) ([]string, error) {
	names := []string{}
	for e, err := range Entries(dir) {
		if errors.Is(err, fs.ErrNotExist) {
			return names, nil
		}
		if err != nil {
			return nil, err
		}
		names = append(names, e.Name)
	}
	return names, nil
}
