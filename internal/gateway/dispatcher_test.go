package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/internal/proxy/proxytest"
	"github.com/xandwr/mcpd/internal/registry"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

// newTestDispatcher builds a Dispatcher with no registry entries of its own
// and directly injects already-attached fake proxies, so tests never spawn
// a real subprocess.
func newTestDispatcher(t *testing.T, policy Policy, fakes map[string]*proxytest.Fake) *Dispatcher {
	t.Helper()
	d := New(registry.StaticLoader(nil), policy, nil)
	for name, f := range fakes {
		d.proxies[name] = f.Attach(name)
	}
	t.Cleanup(d.Shutdown)
	return d
}

func readLines(t *testing.T, buf *bytes.Buffer, n int) []map[string]any {
	t.Helper()
	scanner := bufio.NewScanner(buf)
	var out []map[string]any
	for i := 0; i < n && scanner.Scan(); i++ {
		var v map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &v))
		out = append(out, v)
	}
	return out
}

// S1: handshake.
func TestDispatcherHandshake(t *testing.T) {
	d := newTestDispatcher(t, NewMetaPolicy(), nil)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}` + "\n")
	var out bytes.Buffer

	require.NoError(t, d.Run(context.Background(), in, &out))

	lines := readLines(t, &out, 1)
	require.Len(t, lines, 1)
	result := lines[0]["result"].(map[string]any)
	serverInfo := result["serverInfo"].(map[string]any)
	assert.Equal(t, "mcpd", serverInfo["name"])
	capabilities := result["capabilities"].(map[string]any)
	tools := capabilities["tools"].(map[string]any)
	assert.Equal(t, false, tools["listChanged"])
}

// S2: Policy A listing.
func TestFlatPolicyListsPrefixedTools(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	d := newTestDispatcher(t, NewFlatPolicy(), map[string]*proxytest.Fake{"mock": fake})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := d.policy.ListTools(ctx, d)
	require.NoError(t, err)
	require.Len(t, result.Tools, 2)

	names := []string{result.Tools[0].Name, result.Tools[1].Name}
	assert.ElementsMatch(t, []string{"mock__echo", "mock__fail"}, names)
}

// S3: Policy A call success.
func TestFlatPolicyCallToolSuccess(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	policy := NewFlatPolicy()
	d := newTestDispatcher(t, policy, map[string]*proxytest.Fake{"mock": fake})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := policy.ListTools(ctx, d)
	require.NoError(t, err)

	result, rpcErr := policy.CallTool(ctx, d, "mock__echo", json.RawMessage(`{"msg":"hi"}`))
	require.Nil(t, rpcErr)
	assert.False(t, result.IsError)
}

// S4: tool-failure wrapping.
func TestFlatPolicyCallToolFailureWrapped(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	policy := NewFlatPolicy()
	d := newTestDispatcher(t, policy, map[string]*proxytest.Fake{"mock": fake})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := policy.ListTools(ctx, d)
	require.NoError(t, err)

	result, rpcErr := policy.CallTool(ctx, d, "mock__fail", nil)
	require.Nil(t, rpcErr)
	assert.True(t, result.IsError)
}

func TestFlatPolicyUnknownToolIsRPCError(t *testing.T) {
	d := newTestDispatcher(t, NewFlatPolicy(), nil)
	ctx := context.Background()

	_, rpcErr := NewFlatPolicy().CallTool(ctx, d, "nope__nope", nil)
	require.NotNil(t, rpcErr)
	assert.Equal(t, int32(-1), rpcErr.Code)
}

// S5: concurrent fan-in, no deadlock.
func TestConcurrentCallToolFanIn(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	policy := NewFlatPolicy()
	d := newTestDispatcher(t, policy, map[string]*proxytest.Fake{"mock": fake})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := policy.ListTools(ctx, d)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args, _ := json.Marshal(map[string]int{"n": i})
			result, rpcErr := policy.CallTool(ctx, d, "mock__echo", args)
			assert.Nil(t, rpcErr)
			assert.False(t, result.IsError)
		}(i)
	}

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent calls did not complete in time")
	}
}

// S6: concurrent init, single handshake shared across ten list_tools.
func TestConcurrentListToolsSharesOneHandshake(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	var inits atomic.Int32
	fake.Handle("initialize", func(method string, params json.RawMessage) (any, *jsonrpc.Error) {
		inits.Add(1)
		return mcptypes.InitializeResult{ProtocolVersion: mcptypes.ProtocolVersion}, nil
	})
	policy := NewMetaPolicy()
	d := newTestDispatcher(t, policy, map[string]*proxytest.Fake{"mock": fake})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, rpcErr := policy.CallTool(ctx, d, "list_tools", nil)
			assert.Nil(t, rpcErr)
			assert.False(t, result.IsError)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inits.Load())
}

func TestMetaPolicyListToolsReturnsTwoStaticTools(t *testing.T) {
	d := newTestDispatcher(t, NewMetaPolicy(), nil)
	result, err := d.policy.ListTools(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "list_tools", result.Tools[0].Name)
	assert.Equal(t, "use_tool", result.Tools[1].Name)
}

func TestMetaPolicyUseToolMissingToolName(t *testing.T) {
	d := newTestDispatcher(t, NewMetaPolicy(), nil)
	result, rpcErr := d.policy.CallTool(context.Background(), d, "use_tool", json.RawMessage(`{}`))
	require.Nil(t, rpcErr)
	assert.True(t, result.IsError)
}

func TestMetaPolicyUseToolRoutesToBackend(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	d := newTestDispatcher(t, NewMetaPolicy(), map[string]*proxytest.Fake{"mock": fake})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	args := json.RawMessage(`{"tool_name":"mock__echo","arguments":{"msg":"hi"}}`)
	result, rpcErr := d.policy.CallTool(ctx, d, "use_tool", args)
	require.Nil(t, rpcErr)
	assert.False(t, result.IsError)
}

func TestUnknownMethodIsRPCError(t *testing.T) {
	d := newTestDispatcher(t, NewMetaPolicy(), nil)

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"bogus"}` + "\n")
	var out bytes.Buffer
	require.NoError(t, d.Run(context.Background(), in, &out))

	lines := readLines(t, &out, 1)
	require.Len(t, lines, 1)
	errObj := lines[0]["error"].(map[string]any)
	assert.Equal(t, float64(-32601), errObj["code"])
}
