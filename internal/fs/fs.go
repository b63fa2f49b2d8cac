package fs

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var ErrBadURI = errors.New("fs: bad uri")

// LocalFileSystem is the subset of filesystem operations the chunkserver
// needs. Tests substitute in-memory fakes.
type LocalFileSystem interface {
	DirExists(path string) bool
	FileExists(path string) bool
	// List returns the names of the entries in dir, sorted.
	List(dir string) ([]string, error)
	Mkdir(dir string) error
	Rename(from, to string) error
	Delete(path string) error
}

type posixFS struct{}

func NewLocalFileSystem() LocalFileSystem { return posixFS{} }

func (posixFS) DirExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func (posixFS) FileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func (posixFS) List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (posixFS) Mkdir(dir string) error { return os.MkdirAll(dir, 0o755) }

func (posixFS) Rename(from, to string) error { return os.Rename(from, to) }

func (posixFS) Delete(path string) error { return os.RemoveAll(path) }

// ParseURI splits "local://path" into its protocol and path. Only the
// local protocol is supported.
func ParseURI(uri string) (protocol, path string, err error) {
	protocol, path, ok := strings.Cut(uri, "://")
	if !ok || protocol == "" || path == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadURI, uri)
	}
	if protocol != "local" {
		return "", "", fmt.Errorf("%w: unsupported protocol %q", ErrBadURI, protocol)
	}
	return protocol, path, nil
}
