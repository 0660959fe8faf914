//go:build !unix

package memory

import (
	"fmt"
	"runtime"
)

const defaultKind = KindWasm

func newMmapBacking() (Backing, error) {
	return nil, fmt.Errorf("mmap backing is not supported on %s", runtime.GOOS)
}
