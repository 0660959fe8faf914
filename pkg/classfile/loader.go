package classfile

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is wrapped by loaders when a class is not on their path.
var ErrNotFound = errors.New("class not found")

// Loader loads class files by internal class name.
type Loader interface {
	Load(name string) (*ClassFile, error)
}

// cache memoizes parsed class files of one loader.
type cache struct {
	mu      sync.Mutex
	classes map[string]*ClassFile
}

func (c *cache) get(name string) (*ClassFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cf, ok := c.classes[name]
	return cf, ok
}

func (c *cache) put(name string, cf *ClassFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.classes == nil {
		c.classes = make(map[string]*ClassFile)
	}
	c.classes[name] = cf
}

// JmodLoader loads classes from a JDK jmod file.
type JmodLoader struct {
	Path string

	cache
	once sync.Once
	zip  *zip.Reader
	err  error
}

// jmodHeader precedes the zip archive in a jmod file.
const jmodHeader = "JM\x01\x00"

func NewJmodLoader(path string) *JmodLoader {
	return &JmodLoader{Path: path}
}

func (l *JmodLoader) open() error {
	l.once.Do(func() {
		data, err := os.ReadFile(l.Path)
		if err != nil {
			l.err = fmt.Errorf("jmod: %w", err)
			return
		}
		if !bytes.HasPrefix(data, []byte(jmodHeader)) {
			l.err = fmt.Errorf("jmod: %s has no jmod header", l.Path)
			return
		}
		data = data[len(jmodHeader):]
		l.zip, l.err = zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if l.err != nil {
			l.err = fmt.Errorf("jmod: opening zip in %s: %w", l.Path, l.err)
		}
	})
	return l.err
}

func (l *JmodLoader) Load(name string) (*ClassFile, error) {
	if cf, ok := l.get(name); ok {
		return cf, nil
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	target := "classes/" + name + ".class"
	for _, file := range l.zip.File {
		if file.Name != target {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("jmod: opening %s: %w", target, err)
		}
		defer rc.Close()
		cf, err := Parse(rc)
		if err != nil {
			return nil, fmt.Errorf("jmod: parsing %s: %w", name, err)
		}
		l.put(name, cf)
		return cf, nil
	}
	return nil, fmt.Errorf("jmod: %s in %s: %w", name, l.Path, ErrNotFound)
}

// DirLoader loads classes from a directory tree, asking Parent first.
type DirLoader struct {
	Dir    string
	Parent Loader

	cache
}

// NewDirLoader creates a loader for dir. parent may be nil.
func NewDirLoader(dir string, parent Loader) *DirLoader {
	return &DirLoader{Dir: dir, Parent: parent}
}

func (l *DirLoader) Load(name string) (*ClassFile, error) {
	if cf, ok := l.get(name); ok {
		return cf, nil
	}
	if l.Parent != nil {
		cf, err := l.Parent.Load(name)
		if err == nil {
			return cf, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	path := filepath.Join(l.Dir, filepath.FromSlash(name)+".class")
	cf, err := ParseFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s in %s: %w", name, l.Dir, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", name, err)
	}
	if cf.Name != name {
		return nil, fmt.Errorf("loading %s: file %s defines %s", name, path, cf.Name)
	}
	l.put(name, cf)
	return cf, nil
}

// Chain tries each loader in turn, returning the first class found.
type Chain []Loader

func (c Chain) Load(name string) (*ClassFile, error) {
	for _, l := range c {
		cf, err := l.Load(name)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return cf, err
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}
