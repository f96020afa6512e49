package wasmplugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrei-cloud/go_webhost/pkg/webplugin"
	"github.com/tetratelabs/wazero/api"
)

// readMemory copies size bytes of guest memory at ptr.
func readMemory(mod api.Module, ptr, size uint32) ([]byte, error) {
	if mod == nil {
		return nil, errors.New("nil module")
	}

	memory := mod.Memory()
	if memory == nil {
		return nil, errors.New("no memory exported")
	}

	data, ok := memory.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("failed to read memory at %d[%d]", ptr, size)
	}
	out := make([]byte, len(data))
	copy(out, data)

	return out, nil
}

// writeMemory writes data into guest memory at ptr.
func writeMemory(mod api.Module, ptr uint32, data []byte) error {
	if mod == nil {
		return errors.New("nil module")
	}

	memory := mod.Memory()
	if memory == nil {
		return errors.New("no memory exported")
	}

	if !memory.Write(ptr, data) {
		return fmt.Errorf("failed to write memory at %d[%d]", ptr, len(data))
	}

	return nil
}

// allocBuffer reserves guest memory through the Alloc export and copies data
// into it.
func allocBuffer(ctx context.Context, mod api.Module, alloc api.Function, data []byte) (uint32, error) {
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("alloc failed: %w", err)
	}
	if len(results) < 1 {
		return 0, errors.New("alloc returned no results")
	}

	ptr := api.DecodeU32(results[0])
	if err := writeMemory(mod, ptr, data); err != nil {
		return 0, err
	}

	return ptr, nil
}

// readPacked reads the buffer a packed ptr<<32|len result points at and
// releases it through free when the guest exports one.
func readPacked(ctx context.Context, mod api.Module, free api.Function, packed uint64) ([]byte, error) {
	ptr, size := webplugin.UnpackResult(packed)
	data, err := readMemory(mod, ptr, size)
	if err != nil {
		return nil, err
	}
	if free != nil {
		if _, err := free.Call(ctx, uint64(ptr)); err != nil {
			return nil, fmt.Errorf("free failed: %w", err)
		}
	}

	return data, nil
}
