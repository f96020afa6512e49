package luaplugin

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	lua "github.com/yuin/gopher-lua"
)

const socketType = "webhost.socket"

// Yield markers a socket coroutine hands to the host.
var (
	opReceive = lua.LString("webhost.receive")
	opSend    = lua.LString("webhost.send")
)

// serveSocket drives fn as a coroutine. Each ws:receive or ws:send yields
// back here; the connection I/O happens with the interpreter unlocked so
// other handlers of the plugin keep running.
func (m *module) serveSocket(ctx context.Context, fn *lua.LFunction, conn plugins.Conn) error {
	s := m.state

	ctx, unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	th, cancel := s.L.NewThread()
	th.SetContext(ctx)
	ws := m.socketValue(th, conn)
	state, err, vals := s.L.Resume(th, fn, ws)
	unlock()

	if cancel != nil {
		defer cancel()
	}

	for state == lua.ResumeYield {
		in, ioErr := perform(ctx, conn, vals)
		if ioErr != nil {
			return ioErr
		}

		_, unlock, lockErr := s.lock(ctx)
		if lockErr != nil {
			return lockErr
		}
		state, err, vals = s.L.Resume(th, fn, in...)
		unlock()
	}

	if state == lua.ResumeError {
		return err
	}

	return nil
}

// perform executes the I/O a coroutine yielded for and returns the values
// it resumes with. A closed peer resumes ws:receive with nil.
func perform(ctx context.Context, conn plugins.Conn, vals []lua.LValue) ([]lua.LValue, error) {
	if len(vals) == 0 {
		return nil, errors.New("socket handler yielded without an operation")
	}

	switch vals[0] {
	case opReceive:
		data, err := conn.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return []lua.LValue{lua.LNil}, nil
		}
		if err != nil {
			return nil, err
		}
		return []lua.LValue{lua.LString(data)}, nil

	case opSend:
		var data string
		if len(vals) > 1 {
			data = vals[1].String()
		}
		if err := conn.Send(ctx, []byte(data)); err != nil {
			return nil, err
		}
		return []lua.LValue{lua.LTrue}, nil
	}

	return nil, fmt.Errorf("socket handler yielded %s outside ws:receive or ws:send", describe(vals[0]))
}

// socketValue wraps conn for Lua.
func (m *module) socketValue(L *lua.LState, conn plugins.Conn) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = conn
	L.SetMetatable(ud, socketMetatable(L))

	return ud
}

func socketMetatable(L *lua.LState) *lua.LTable {
	if mt, ok := L.GetTypeMetatable(socketType).(*lua.LTable); ok {
		return mt
	}

	mt := L.NewTypeMetatable(socketType)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"receive": func(L *lua.LState) int {
			checkConn(L)
			return L.Yield(opReceive)
		},
		"send": func(L *lua.LState) int {
			checkConn(L)
			return L.Yield(opSend, L.ToStringMeta(L.CheckAny(2)))
		},
		"path": func(L *lua.LState) int {
			L.Push(lua.LString(checkConn(L).Path()))
			return 1
		},
		"remote_addr": func(L *lua.LState) int {
			L.Push(lua.LString(checkConn(L).RemoteAddr()))
			return 1
		},
	}))

	return mt
}

func checkConn(L *lua.LState) plugins.Conn {
	ud := L.CheckUserData(1)
	conn, ok := ud.Value.(plugins.Conn)
	if !ok {
		L.ArgError(1, "socket expected")
		return nil
	}

	return conn
}
