//go:build wasip1

package webplugin

import (
	"encoding/json"
	"errors"
	"unsafe"
)

//go:wasmimport env log_debug
func hostLogDebug(ptr, size uint32)

//go:wasmimport env log_info
func hostLogInfo(ptr, size uint32)

//go:wasmimport env log_error
func hostLogError(ptr, size uint32)

//go:wasmimport env call_host
func hostCall(ptr, size uint32) uint32

//go:wasmimport env host_result
func hostResult(ptr uint32)

// pinned keeps buffers handed to the host reachable until freed.
var pinned = map[uint32][]byte{}

// Alloc reserves size bytes of guest memory for the host to write into.
//
//go:wasmexport Alloc
func Alloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	pinned[ptr] = buf

	return ptr
}

// Free releases a buffer returned by Alloc.
//
//go:wasmexport Free
func Free(ptr uint32) {
	delete(pinned, ptr)
}

// Init returns the packed location of the JSON manifest, or 0 when the
// plugin provides no manager.
//
//go:wasmexport Init
func Init() uint64 {
	m, ok := CurrentManifest()
	if !ok {
		return 0
	}
	data, err := json.Marshal(m)
	if err != nil {
		LogError("encode manifest: " + err.Error())
		return 0
	}

	return send(data)
}

// Handle decodes a JSON invocation, runs it and returns the packed location
// of the JSON result.
//
//go:wasmexport Handle
func Handle(ptr, size uint32) uint64 {
	in := readBytes(ptr, size)
	Free(ptr)

	var res Result
	var inv Invocation
	if err := json.Unmarshal(in, &inv); err != nil {
		res.Error = "decode invocation: " + err.Error()
	} else {
		res = Dispatch(inv)
	}

	data, err := json.Marshal(res)
	if err != nil {
		data, _ = json.Marshal(Result{Error: "encode result: " + err.Error()})
	}

	return send(data)
}

// readBytes copies size bytes of linear memory at ptr.
//
//nolint:gosec // linear memory addresses are plain integers.
func readBytes(ptr, size uint32) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
	out := make([]byte, size)
	copy(out, src)

	return out
}

// send pins data and returns its packed location.
func send(data []byte) uint64 {
	ptr := Alloc(uint32(len(data)))
	copy(pinned[ptr], data)

	return PackResult(ptr, uint32(len(data)))
}

func withString(s string, fn func(ptr, size uint32)) {
	if s == "" {
		fn(0, 0)
		return
	}
	fn(uint32(uintptr(unsafe.Pointer(unsafe.StringData(s)))), uint32(len(s)))
}

// LogDebug writes a debug message to the host log.
func LogDebug(msg string) { withString(msg, hostLogDebug) }

// LogInfo writes an info message to the host log.
func LogInfo(msg string) { withString(msg, hostLogInfo) }

// LogError writes an error message to the host log.
func LogError(msg string) { withString(msg, hostLogError) }

func callHost(call HostCall) (any, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}

	ptr := Alloc(uint32(len(data)))
	copy(pinned[ptr], data)
	n := hostCall(ptr, uint32(len(data)))
	Free(ptr)
	if n == 0 {
		return nil, errors.New("host call failed")
	}

	out := Alloc(n)
	hostResult(out)
	raw := readBytes(out, n)
	Free(out)

	var reply HostReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}

	return reply.Value, nil
}
