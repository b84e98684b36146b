package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

// WasmLimits bound a sandboxed backend.
type WasmLimits struct {
	MemoryLimitBytes int64
	Timeout          time.Duration
}

// WasmProvider runs a WASI backend inside a wazero sandbox. The guest gets
// stdin and stdout only: no filesystem, no network, no environment, no clock
// beyond the wazero defaults.
type WasmProvider struct {
	descriptor
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	limits   WasmLimits
}

// NewWasmProviderFromFile compiles the module at path.
func NewWasmProviderFromFile(ctx context.Context, info Info, path string, limits WasmLimits) (*WasmProvider, error) {
	wasm, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("wasm provider %s: %w", info.Name, err)
	}
	return NewWasmProvider(ctx, info, wasm, limits)
}

// NewWasmProvider compiles wasm once; each Invoke instantiates a fresh module.
func NewWasmProvider(ctx context.Context, info Info, wasm []byte, limits WasmLimits) (*WasmProvider, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		// wazero measures memory in pages (64KB each)
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024)) //nolint:gosec // bounded by config
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm provider %s: compilation failed: %w", info.Name, err)
	}

	return &WasmProvider{
		descriptor: descriptor{info: info},
		runtime:    r,
		compiled:   compiled,
		limits:     limits,
	}, nil
}

// IsAvailable reports whether the module compiled and the runtime is open.
func (p *WasmProvider) IsAvailable() bool {
	return p.compiled != nil
}

// Invoke implements Provider.
func (p *WasmProvider) Invoke(ctx context.Context, req Request) (*contracts.GeneratedChange, error) {
	if p.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, p.providerError(false, fmt.Errorf("marshal request: %w", err))
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, p.providerError(true, fmt.Errorf("sandbox interrupted: %w", ctx.Err()))
		}
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			return nil, p.providerError(false, fmt.Errorf("sandbox execution failed: %w: %s", err, tail(stderr.String(), 512)))
		}
	}

	change, err := ParseChange(stdout.Bytes())
	if err != nil {
		return nil, p.providerError(false, err)
	}
	return change, nil
}

// Close releases the runtime.
func (p *WasmProvider) Close(ctx context.Context) error {
	return p.runtime.Close(ctx)
}
