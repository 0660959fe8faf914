package memory

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	wasmPageSize = 65536
	wasmMaxPages = 65535
)

// wasmBacking keeps an area in the linear memory of an otherwise empty wasm
// module, the same flat offset-indexed buffer the WebAssembly target uses.
// Linear memory never shrinks, so Decommit only zeroes the released tail.
type wasmBacking struct {
	ctx       context.Context
	runtime   wazero.Runtime
	mem       api.Memory
	view      []byte
	committed uint64
}

func newWasmBacking() *wasmBacking {
	return &wasmBacking{ctx: context.Background()}
}

func (w *wasmBacking) Reserve(size uint64) error {
	if w.runtime != nil {
		return fmt.Errorf("wasm: already reserved")
	}
	pages := roundUp(size, wasmPageSize) / wasmPageSize
	if pages > wasmMaxPages {
		return fmt.Errorf("wasm: reservation of %d bytes exceeds %d pages", size, wasmMaxPages)
	}
	rt := wazero.NewRuntime(w.ctx)
	mod, err := rt.Instantiate(w.ctx, memoryModule(uint32(pages)))
	if err != nil {
		rt.Close(w.ctx)
		return fmt.Errorf("wasm: instantiating memory module: %w", err)
	}
	mem := mod.ExportedMemory("memory")
	if mem == nil {
		rt.Close(w.ctx)
		return fmt.Errorf("wasm: module exports no memory")
	}
	w.runtime = rt
	w.mem = mem
	return nil
}

func (w *wasmBacking) Commit(size uint64) error {
	if size <= w.committed {
		return nil
	}
	if have := uint64(w.mem.Size()); size > have {
		delta := roundUp(size-have, wasmPageSize) / wasmPageSize
		if _, ok := w.mem.Grow(uint32(delta)); !ok {
			return fmt.Errorf("wasm: growing memory by %d pages failed", delta)
		}
	}
	w.committed = size
	return w.refresh()
}

func (w *wasmBacking) Decommit(size uint64) error {
	if size >= w.committed {
		return nil
	}
	clear(w.view[size:w.committed])
	w.committed = size
	return w.refresh()
}

func (w *wasmBacking) refresh() error {
	if w.committed == 0 {
		w.view = nil
		return nil
	}
	view, ok := w.mem.Read(0, uint32(w.committed))
	if !ok {
		return fmt.Errorf("wasm: reading %d bytes of linear memory", w.committed)
	}
	w.view = view
	return nil
}

func (w *wasmBacking) Bytes() []byte {
	return w.view
}

func (w *wasmBacking) PageSize() uint64 {
	return wasmPageSize
}

func (w *wasmBacking) Release() error {
	if w.runtime == nil {
		return nil
	}
	err := w.runtime.Close(w.ctx)
	w.runtime = nil
	w.mem = nil
	w.view = nil
	w.committed = 0
	return err
}

// memoryModule encodes a module with a single memory of zero initial pages
// and the given maximum, exported as "memory".
func memoryModule(maxPages uint32) []byte {
	limits := []byte{0x01}
	limits = appendULEB(limits, 0)
	limits = appendULEB(limits, maxPages)
	memSection := append([]byte{0x01}, limits...)

	name := "memory"
	exportSection := []byte{0x01}
	exportSection = appendULEB(exportSection, uint32(len(name)))
	exportSection = append(exportSection, name...)
	exportSection = append(exportSection, 0x02, 0x00)

	bin := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, 0x05)
	bin = appendULEB(bin, uint32(len(memSection)))
	bin = append(bin, memSection...)
	bin = append(bin, 0x07)
	bin = appendULEB(bin, uint32(len(exportSection)))
	bin = append(bin, exportSection...)
	return bin
}

func appendULEB(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}
