package luaplugin

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	lua "github.com/yuin/gopher-lua"
)

// toGo converts a Lua value into plain Go data. Integral numbers become
// int64, array-like tables []any and other tables map[string]any.
func toGo(lv lua.LValue) any {
	return toGoVisited(lv, make(map[*lua.LTable]bool))
}

func toGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			arr[i-1] = toGoVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = toGoVisited(v, visited)
	})

	return m
}

// results converts handler return values: none is nil, one is the value
// itself and more become a Reply.
func results(vals []lua.LValue) any {
	switch len(vals) {
	case 0:
		return nil
	case 1:
		return toGo(vals[0])
	default:
		return reply(vals)
	}
}

func reply(vals []lua.LValue) plugins.Reply {
	out := make(plugins.Reply, len(vals))
	for i, v := range vals {
		out[i] = toGo(v)
	}

	return out
}

// toLua converts Go data into a Lua value. Requests become tables; values
// with no Lua counterpart are passed as userdata.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case error:
		return lua.LString(val.Error())
	case plugins.Request:
		return requestTable(L, val)
	case plugins.Reply:
		return sliceTable(L, []any(val))
	case plugins.Response:
		return responseTable(L, val)
	case []any:
		return sliceTable(L, val)
	case []string:
		t := L.NewTable()
		for _, s := range val {
			t.Append(lua.LString(s))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for _, k := range sortedKeys(val) {
			t.RawSetString(k, toLua(L, val[k]))
		}
		return t
	}

	return reflectToLua(L, v)
}

func sliceTable(L *lua.LState, s []any) *lua.LTable {
	t := L.NewTable()
	for i, v := range s {
		t.RawSetInt(i+1, toLua(L, v))
	}

	return t
}

func responseTable(L *lua.LState, r plugins.Response) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("payload", toLua(L, r.Payload))
	t.RawSetString("status", lua.LNumber(r.Status))

	return t
}

func reflectToLua(L *lua.LState, v any) lua.LValue {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint64:
		return lua.LNumber(float64(rv.Convert(reflect.TypeOf(float64(0))).Float()))
	case reflect.Float32:
		return lua.LNumber(rv.Float())
	case reflect.Slice, reflect.Array:
		t := L.NewTable()
		for i := range rv.Len() {
			t.RawSetInt(i+1, toLua(L, rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			t := L.NewTable()
			for _, key := range rv.MapKeys() {
				t.RawSetString(key.String(), toLua(L, rv.MapIndex(key).Interface()))
			}
			return t
		}
	}

	ud := L.NewUserData()
	ud.Value = v

	return ud
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// requestTable exposes a request to Lua. The body is read lazily through
// req.body().
func requestTable(L *lua.LState, req plugins.Request) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("method", lua.LString(req.Method()))
	t.RawSetString("path", lua.LString(req.Path()))
	t.RawSetString("url", lua.LString(req.URL().String()))
	t.RawSetString("host", lua.LString(req.Host()))
	t.RawSetString("remote_addr", lua.LString(req.RemoteAddr()))
	t.RawSetString("secure", lua.LBool(req.Secure()))

	headers := L.NewTable()
	for k, v := range req.Header() {
		if len(v) > 0 {
			headers.RawSetString(k, lua.LString(v[0]))
		}
	}
	t.RawSetString("headers", headers)

	query := L.NewTable()
	for k, v := range req.Query() {
		if len(v) > 0 {
			query.RawSetString(k, lua.LString(v[0]))
		}
	}
	t.RawSetString("query", query)

	t.RawSetString("body", L.NewFunction(func(L *lua.LState) int {
		body, err := req.Body()
		if err != nil {
			L.RaiseError("read body: %v", err)
			return 0
		}
		L.Push(lua.LString(body))
		return 1
	}))

	return t
}

// args converts Go arguments for a Lua call.
func args(L *lua.LState, in []any) []lua.LValue {
	out := make([]lua.LValue, len(in))
	for i, v := range in {
		out[i] = toLua(L, v)
	}

	return out
}

// goArgs collects the Lua arguments from index first onwards.
func goArgs(L *lua.LState, first int) []any {
	top := L.GetTop()
	if top < first {
		return nil
	}
	out := make([]any, 0, top-first+1)
	for i := first; i <= top; i++ {
		out = append(out, toGo(L.Get(i)))
	}

	return out
}

func describe(lv lua.LValue) string {
	return fmt.Sprintf("%s %s", lv.Type(), lv.String())
}
