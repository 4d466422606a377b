package proxy_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xandwr/mcpd/internal/mcptypes"
	"github.com/xandwr/mcpd/internal/proxy"
	"github.com/xandwr/mcpd/internal/proxy/proxytest"
	"github.com/xandwr/mcpd/pkg/jsonrpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnsureReadyHandshake(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	p := fake.Attach("echo")
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.EnsureReady(ctx))
}

func TestEnsureReadyIsIdempotent(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	var inits atomic.Int32
	fake.Handle("initialize", func(method string, params json.RawMessage) (any, *jsonrpc.Error) {
		inits.Add(1)
		return mcptypes.InitializeResult{ProtocolVersion: mcptypes.ProtocolVersion}, nil
	})
	p := fake.Attach("echo")
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.EnsureReady(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), inits.Load())
}

func TestListTools(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	p := fake.Attach("echo")
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.EnsureReady(ctx))

	tools, err := p.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0].Name)
	assert.Equal(t, "fail", tools[1].Name)
}

func TestCallToolSuccessAndFailure(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	p := fake.Attach("echo")
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.EnsureReady(ctx))

	res, err := p.CallTool(ctx, "echo", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	res, err = p.CallTool(ctx, "fail", nil)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

// TestConcurrentCallsGetOwnResponses exercises the core multiplexing
// invariant: many goroutines calling through one Proxy at once must each
// receive exactly their own response, never one another's, and none may
// block the others.
func TestConcurrentCallsGetOwnResponses(t *testing.T) {
	fake := proxytest.New()
	defer fake.Close()
	p := fake.Attach("echo")
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.EnsureReady(ctx))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			args, _ := json.Marshal(map[string]int{"i": i})
			res, err := p.CallTool(ctx, "echo", args)
			assert.NoError(t, err)
			assert.False(t, res.IsError)
			require.Len(t, res.Content, 1)
			assert.Equal(t, `{"i":`+itoa(i)+`}`, res.Content[0].Text)
		}(i)
	}
	wg.Wait()
}

func TestCallAfterChildClosesUnblocks(t *testing.T) {
	fake := proxytest.New()
	p := fake.Attach("echo")
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.EnsureReady(ctx))

	fake.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.CallTool(context.Background(), "echo", nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not unblock after child closed")
	}
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
