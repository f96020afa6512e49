package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestMergeExposedPolicyProperty checks that a collision succeeds exactly when
// the current holder of the name is overridable, and that the survivor is the
// last plugin accepted.
func TestMergeExposedPolicyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "plugins")
		flags := rapid.SliceOfN(rapid.Bool(), n, n).Draw(t, "overridable")

		regs := make([]*Registry, n)
		for i := range n {
			id := fmt.Sprintf("p%d", i)
			regs[i] = exposing(id, "sym", id, flags[i])
		}

		holder, failAt := 0, -1
		for i := 1; i < n; i++ {
			if !flags[holder] {
				failAt = i
				break
			}
			holder = i
		}

		table, err := MergeExposed(regs)
		if failAt >= 0 {
			require.ErrorIs(t, err, ErrDuplicateExposedSymbol)
			var pe *PluginError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, fmt.Sprintf("p%d", failAt), pe.Plugin)
			return
		}

		require.NoError(t, err)
		fn, owner, ok := table.Lookup("sym")
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("p%d", holder), owner)
		v, err := fn(context.Background())
		require.NoError(t, err)
		assert.Equal(t, owner, v)

		again, err := MergeExposed(regs)
		require.NoError(t, err)
		_, owner2, _ := again.Lookup("sym")
		assert.Equal(t, owner, owner2)
	})
}

// TestDispatchFirstResponderProperty checks that dispatch returns the first
// non-nil result in plugin order and never reaches later handlers.
func TestDispatchFirstResponderProperty(t *testing.T) {
	outer := t
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "plugins")
		responds := rapid.SliceOfN(rapid.Bool(), n, n).Draw(t, "responds")

		var (
			mu     sync.Mutex
			called []string
		)
		pluginIDs := make([]string, n)
		eps := make(map[string]EntryPoint, n)
		for i := range n {
			id := fmt.Sprintf("p%d", i)
			pluginIDs[i] = id
			answer := responds[i]
			eps[id] = onEvent("ping", func(context.Context, ...any) (any, error) {
				mu.Lock()
				called = append(called, id)
				mu.Unlock()
				if answer {
					return id, nil
				}
				return nil, nil
			})
		}

		h, _ := newBoundHost(outer, pluginIDs, eps)
		got, err := h.DispatchEvent(context.Background(), "ping")
		require.NoError(t, err)

		first := -1
		for i, r := range responds {
			if r {
				first = i
				break
			}
		}
		if first < 0 {
			assert.Nil(t, got)
			assert.Equal(t, pluginIDs, called)
			return
		}
		assert.Equal(t, pluginIDs[first], got)
		assert.Equal(t, pluginIDs[:first+1], called)
	})
}

// TestDiscoverExclusionProperty checks that lenient discovery keeps exactly the
// complete descriptors and strict discovery fails iff any is incomplete.
func TestDiscoverExclusionProperty(t *testing.T) {
	base := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "plugins")
		root, err := os.MkdirTemp(base, "root")
		require.NoError(t, err)

		var good []string
		bad := 0
		for i := range n {
			id := fmt.Sprintf("p%d", i)
			body := validDescriptorFor(id)
			if rapid.Bool().Draw(t, "broken_"+id) {
				key := rapid.SampledFrom(RequiredKeys).Draw(t, "missing_"+id)
				body = dropKey(body, key)
				bad++
			} else {
				good = append(good, id)
			}

			dir := filepath.Join(root, id)
			require.NoError(t, os.MkdirAll(dir, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorFile), []byte(body), 0o644))
		}

		res, err := Discover(root, DiscoverOptions{})
		require.NoError(t, err)
		if good == nil {
			assert.Empty(t, res.Plugins)
		} else {
			assert.Equal(t, good, ids(res.Plugins))
		}
		assert.Len(t, res.Rejected, bad)
		for _, r := range res.Rejected {
			assert.ErrorIs(t, r.Err, ErrDescriptorInvalid)
		}

		_, err = Discover(root, DiscoverOptions{Strict: true})
		if bad > 0 {
			assert.ErrorIs(t, err, ErrDescriptorInvalid)
		} else {
			assert.NoError(t, err)
		}
	})
}

// dropKey removes the line defining the leaf of a dot-path key.
func dropKey(body, key string) string {
	leaf := key[strings.LastIndex(key, ".")+1:] + ":"
	lines := strings.Split(body, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), leaf) {
			continue
		}
		out = append(out, l)
	}

	return strings.Join(out, "\n")
}
