package classfile

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleClass(name, super string) []byte {
	return newClassBuilder().build(name, super, "", nil, nil)
}

func writeJmod(t *testing.T, classes map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString(jmodHeader)
	zw := zip.NewWriter(&buf)
	for name, data := range classes {
		w, err := zw.Create("classes/" + name + ".class")
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	path := filepath.Join(t.TempDir(), "java.base.jmod")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeClass(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name)+".class")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestJmodLoader(t *testing.T) {
	path := writeJmod(t, map[string][]byte{
		"java/lang/Object":  simpleClass("java/lang/Object", ""),
		"java/lang/Integer": simpleClass("java/lang/Integer", "java/lang/Number"),
	})
	l := NewJmodLoader(path)

	cf, err := l.Load("java/lang/Integer")
	require.NoError(t, err)
	assert.Equal(t, "java/lang/Integer", cf.Name)
	assert.Equal(t, "java/lang/Number", cf.SuperName)

	again, err := l.Load("java/lang/Integer")
	require.NoError(t, err)
	assert.Same(t, cf, again, "second load must hit the cache")

	obj, err := l.Load("java/lang/Object")
	require.NoError(t, err)
	assert.Empty(t, obj.SuperName)

	_, err = l.Load("java/lang/Missing")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	t.Run("not a jmod", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain.zip")
		require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04"), 0o644))
		_, err := NewJmodLoader(path).Load("java/lang/Object")
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})
}

func TestDirLoader(t *testing.T) {
	jmod := NewJmodLoader(writeJmod(t, map[string][]byte{
		"java/lang/Object": simpleClass("java/lang/Object", ""),
	}))
	dir := t.TempDir()
	writeClass(t, dir, "app/Main", simpleClass("app/Main", "java/lang/Object"))
	writeClass(t, dir, "app/Wrong", simpleClass("app/Other", "java/lang/Object"))
	writeClass(t, dir, "app/Broken", []byte{0xCA, 0xFE})
	l := NewDirLoader(dir, jmod)

	t.Run("user class", func(t *testing.T) {
		cf, err := l.Load("app/Main")
		require.NoError(t, err)
		assert.Equal(t, "app/Main", cf.Name)
		again, err := l.Load("app/Main")
		require.NoError(t, err)
		assert.Same(t, cf, again)
	})

	t.Run("delegates to parent", func(t *testing.T) {
		cf, err := l.Load("java/lang/Object")
		require.NoError(t, err)
		assert.Equal(t, "java/lang/Object", cf.Name)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := l.Load("app/Missing")
		assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	})

	t.Run("name mismatch", func(t *testing.T) {
		_, err := l.Load("app/Wrong")
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})

	t.Run("corrupt", func(t *testing.T) {
		_, err := l.Load("app/Broken")
		assert.Error(t, err)
		assert.False(t, errors.Is(err, ErrNotFound))
	})
}

func TestChain(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeClass(t, first, "a/A", simpleClass("a/A", "java/lang/Object"))
	writeClass(t, second, "b/B", simpleClass("b/B", "java/lang/Object"))
	chain := Chain{NewDirLoader(first, nil), NewDirLoader(second, nil)}

	for _, name := range []string{"a/A", "b/B"} {
		cf, err := chain.Load(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, cf.Name)
	}
	_, err := chain.Load("c/C")
	assert.True(t, errors.Is(err, ErrNotFound))
}
