// Package fileutil reads files from disk or from an embedded tree through one
// interface, matching file names case-insensitively when the exact name is
// missing.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no file matches a name.
var ErrNotFound = errors.New("file not found")

// FileSystem is implemented by DiskFS and EmbedFS.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	Exists(name string) bool
	Embedded() bool
}

// DiskFS reads from the operating system, relative to a base directory.
type DiskFS struct {
	base string
}

// NewDiskFS creates a DiskFS. An empty base means the working directory.
func NewDiskFS(base string) *DiskFS {
	return &DiskFS{base: base}
}

func (d *DiskFS) ReadFile(name string) ([]byte, error) {
	p, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (d *DiskFS) Exists(name string) bool {
	_, err := d.resolve(name)
	return err == nil
}

func (d *DiskFS) Embedded() bool { return false }

// Resolve returns the on-disk path for name.
func (d *DiskFS) Resolve(name string) (string, error) {
	return d.resolve(name)
}

func (d *DiskFS) resolve(name string) (string, error) {
	p := name
	if d.base != "" && !filepath.IsAbs(name) {
		p = filepath.Join(d.base, name)
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	}
	return FindCaseInsensitive(filepath.Dir(p), filepath.Base(p))
}

// EmbedFS reads from an fs.FS such as an embed.FS, below a base directory.
type EmbedFS struct {
	fsys fs.FS
	base string
}

// NewEmbedFS creates an EmbedFS rooted at base inside fsys.
func NewEmbedFS(fsys fs.FS, base string) *EmbedFS {
	return &EmbedFS{fsys: fsys, base: base}
}

func (e *EmbedFS) ReadFile(name string) ([]byte, error) {
	p, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return fs.ReadFile(e.fsys, p)
}

func (e *EmbedFS) Exists(name string) bool {
	_, err := e.resolve(name)
	return err == nil
}

func (e *EmbedFS) Embedded() bool { return true }

// List returns the regular file names directly below the base directory.
func (e *EmbedFS) List() ([]string, error) {
	dir := e.base
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(e.fsys, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (e *EmbedFS) resolve(name string) (string, error) {
	// embedded paths always use forward slashes
	clean := strings.TrimLeft(filepath.ToSlash(name), "/")
	p := clean
	if e.base != "" {
		p = path.Join(e.base, clean)
	}
	if f, err := e.fsys.Open(p); err == nil {
		f.Close()
		return p, nil
	}
	return FindCaseInsensitiveFS(e.fsys, path.Dir(p), path.Base(p))
}

// FindCaseInsensitive looks for filename in dir ignoring case.
func FindCaseInsensitive(dir, filename string) (string, error) {
	found, err := FindCaseInsensitiveFS(os.DirFS(dir), ".", filename)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(found)), nil
}

// FindCaseInsensitiveFS looks for filename in dir of fsys ignoring case.
// The returned path is relative to fsys.
func FindCaseInsensitiveFS(fsys fs.FS, dir, filename string) (string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return "", fmt.Errorf("%w: %s (%v)", ErrNotFound, filename, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), filename) {
			return path.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNotFound, filename, dir)
}
