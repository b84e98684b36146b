package capabilities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// emptyModule is the smallest valid WebAssembly binary: magic and version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestWasmProvider_CompileError(t *testing.T) {
	_, err := NewWasmProvider(context.Background(), Info{Name: "wasm", Keyword: "Wasm"}, []byte("not wasm"), WasmLimits{})
	assert.Error(t, err)
}

func TestWasmProvider_EmptyOutputIsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	p, err := NewWasmProvider(ctx, Info{Name: "wasm", Keyword: "Wasm"}, emptyModule, WasmLimits{
		MemoryLimitBytes: 1 << 20,
		Timeout:          time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(ctx) })

	assert.True(t, p.IsAvailable())
	assert.Equal(t, "Wasm", p.TriggerKeyword())

	_, err = p.Invoke(ctx, Request{Prompt: "x"})
	require.Error(t, err)
	var pe *contracts.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.Transient)
}

func TestWasmProvider_MissingFile(t *testing.T) {
	_, err := NewWasmProviderFromFile(context.Background(), Info{Name: "wasm"}, t.TempDir()+"/missing.wasm", WasmLimits{})
	assert.Error(t, err)
}
