package wasmplugin

import (
	"encoding/json"
	"fmt"

	"github.com/andrei-cloud/go_webhost/internal/plugins"
	"github.com/andrei-cloud/go_webhost/pkg/webplugin"
)

// requestInfo snapshots req for the guest.
func requestInfo(req plugins.Request) (*webplugin.RequestInfo, error) {
	if req == nil {
		return nil, nil
	}

	body, err := req.Body()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	info := &webplugin.RequestInfo{
		Method:     req.Method(),
		Path:       req.Path(),
		Host:       req.Host(),
		Header:     req.Header(),
		Query:      req.Query(),
		Body:       body,
		RemoteAddr: req.RemoteAddr(),
		Secure:     req.Secure(),
	}
	if u := req.URL(); u != nil {
		info.URL = u.String()
	}

	return info, nil
}

// wireArgs prepares handler arguments for the guest.
func wireArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = wireValue(a)
		if _, err := json.Marshal(out[i]); err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
	}

	return out, nil
}

// wireValue maps host values onto JSON-friendly shapes.
func wireValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case error:
		return x.Error()
	case []byte:
		return string(x)
	case plugins.Reply:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = wireValue(e)
		}
		return out
	case plugins.Response:
		return map[string]any{"payload": wireValue(x.Payload), "status": x.Status}
	case plugins.Request:
		info, err := requestInfo(x)
		if err != nil {
			return nil
		}
		return info
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = wireValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = wireValue(e)
		}
		return out
	}

	return v
}
