package program_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/config"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/hostgpu"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/kernels"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/program"
)

type env struct {
	host    *device.Host
	stream  *device.HostStream
	backend cmdgraph.Backend
}

func newEnv(t *testing.T) *env {
	t.Helper()
	host := device.NewHost(1 << 20)
	b, err := hostgpu.New(host, cmdgraph.BackendOptions{MaxLoopIterations: 1000})
	require.NoError(t, err)
	s := device.NewHostStream(host, 16)
	t.Cleanup(s.Close)
	return &env{host: host, stream: s, backend: b}
}

func (e *env) build(t *testing.T, src string) *program.Program {
	t.Helper()
	cfg, err := config.Parse([]byte(src))
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))
	p, err := program.Build(cfg, e.backend, e.host, kernels.Builtins(), nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

// run resets the buffers, launches p once and returns the buffer contents.
func (e *env) run(t *testing.T, p *program.Program) map[string][]int32 {
	t.Helper()
	require.NoError(t, p.ResetBuffers())
	require.NoError(t, p.Launch(e.stream))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.stream.Synchronize(ctx))
	snap, err := p.Snapshot()
	require.NoError(t, err)
	return snap
}

const countdown = `
version: v1
name: countdown
buffers:
  - {name: counter, init: [3]}
  - {name: pred}
  - {name: out}
ops:
  - id: loop
    while:
      predicate: pred
      condition: counter > 0
      body:
        - id: dec
          kernel: {name: add_i32, args: [counter, -1]}
        - id: bump
          kernel: {name: inc_i32, args: [out]}
`

func TestWhileProgram(t *testing.T) {
	e := newEnv(t)
	p := e.build(t, countdown)

	snap := e.run(t, p)
	assert.Equal(t, []int32{0}, snap["counter"])
	assert.Equal(t, []int32{3}, snap["out"])

	// Buffers are reset between runs.
	snap = e.run(t, p)
	assert.Equal(t, []int32{3}, snap["out"])

	require.NoError(t, p.SetEnabled("bump", false))
	snap = e.run(t, p)
	assert.Equal(t, []int32{0}, snap["counter"])
	assert.Equal(t, []int32{0}, snap["out"])

	info := p.Info()
	assert.Equal(t, "countdown", info.Name)
	assert.Equal(t, cmdgraph.StateLaunched.String(), info.State)
	require.Len(t, info.Ops, 3)
	byID := make(map[string]program.OpInfo)
	for _, op := range info.Ops {
		byID[op.ID] = op
	}
	assert.Equal(t, "while", byID["loop"].Kind)
	assert.False(t, byID["bump"].Enabled)
	assert.True(t, byID["dec"].Enabled)
	require.Len(t, info.Buffers, 3)
	assert.Equal(t, uint64(4), info.Buffers[0].Bytes)
}

func TestInfoAfterClose(t *testing.T) {
	e := newEnv(t)
	cfg, err := config.Parse([]byte(countdown))
	require.NoError(t, err)
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	p, err := program.Build(cfg, e.backend, e.host, kernels.Builtins(), log)
	require.NoError(t, err)
	p.Close()

	info := p.Info()
	assert.Equal(t, "countdown", info.Name)
	assert.Zero(t, info.Nodes)
	assert.Empty(t, info.Buffers)
	assert.Contains(t, logs.String(), "node count unavailable")
}

func TestIfElseAndKernelUpdate(t *testing.T) {
	e := newEnv(t)
	p := e.build(t, `
version: v1
buffers:
  - {name: x}
  - {name: pred}
  - {name: out, elements: 2}
ops:
  - id: setx
    kernel: {name: store_i32, args: [x, 7]}
  - id: choose
    if:
      predicate: pred
      condition: x > 5
      then: [{id: big, memset: {buffer: out, value: 1}}]
      else: [{id: small, memset: {buffer: out, value: 2}}]
`)
	assert.Equal(t, []int32{1, 1}, e.run(t, p)["out"])

	require.NoError(t, p.UpdateKernelArgs("setx", []interface{}{"x", 3}))
	assert.Equal(t, []int32{2, 2}, e.run(t, p)["out"])

	require.NoError(t, p.UpdateMemset("small", 9))
	assert.Equal(t, []int32{9, 9}, e.run(t, p)["out"])

	assert.ErrorIs(t, p.UpdateMemset("setx", 1), program.ErrWrongKind)
	assert.ErrorIs(t, p.UpdateKernelArgs("big", nil), program.ErrWrongKind)
	assert.ErrorIs(t, p.UpdateMemset("nope", 1), program.ErrUnknownOp)
	assert.ErrorIs(t, p.SetEnabled("nope", false), program.ErrUnknownOp)
	assert.Error(t, p.UpdateKernelArgs("setx", []interface{}{"x"}))
	assert.Error(t, p.UpdateKernelArgs("setx", []interface{}{"x", "pred"}))
}

func TestCaseProgram(t *testing.T) {
	e := newEnv(t)
	p := e.build(t, `
version: v1
buffers:
  - {name: idx}
  - {name: out}
ops:
  - id: setidx
    kernel: {name: store_i32, args: [idx, 1]}
  - id: pick
    case:
      index: idx
      default: true
      branches:
        - [{id: b0, memset: {buffer: out, value: 10}}]
        - [{id: b1, memset: {buffer: out, value: 20}}]
        - [{id: b2, memset: {buffer: out, value: 30}}]
`)
	tests := []struct {
		index int
		want  int32
	}{
		{0, 10},
		{1, 20},
		{2, 30},
		{9, 30},
		{-1, 30},
	}
	for _, tc := range tests {
		require.NoError(t, p.UpdateKernelArgs("setidx", []interface{}{"idx", tc.index}))
		assert.Equal(t, []int32{tc.want}, e.run(t, p)["out"], "index %d", tc.index)
	}
	assert.Len(t, p.Info().Ops[1].Nodes, 3, "one conditional node per branch")
}

func TestForScopesAndChild(t *testing.T) {
	e := newEnv(t)
	p := e.build(t, `
version: v1
buffers:
  - {name: i}
  - {name: acc}
  - {name: a}
  - {name: b}
  - {name: c}
ops:
  - id: loop
    for:
      counter: i
      iterations: 4
      body:
        - id: step
          kernel: {name: add_i32, args: [acc, 2]}
  - id: seta
    scope: 1
    kernel: {name: store_i32, args: [a, 5]}
  - id: setb
    scope: 2
    kernel: {name: store_i32, args: [b, 6]}
  - id: join
    barrier: {scopes: [1, 2]}
  - id: sub
    scope: 1
    child:
      ops:
        - id: cp
          memcpy: {dst: c, src: a}
        - id: addc
          kernel: {name: add_i32, args: [c, 1]}
  - id: addb
    scope: 2
    kernel: {name: add_i32, args: [b, 10]}
`)
	snap := e.run(t, p)
	assert.Equal(t, []int32{8}, snap["acc"])
	assert.Equal(t, []int32{6}, snap["c"])
	assert.Equal(t, []int32{16}, snap["b"])

	// Nodes of an embedded child belong to a graph that is never launched on
	// its own, so they cannot be updated in place.
	assert.ErrorIs(t, p.UpdateKernelArgs("addc", []interface{}{"c", 2}), cmdgraph.ErrInvalidState)
}

func TestBuildFailureReleasesResources(t *testing.T) {
	tests := []struct {
		name string
		ops  string
	}{
		{"unknown kernel", `
  - id: k
    kernel: {name: nope, args: [x]}`},
		{"arity mismatch", `
  - id: k
    kernel: {name: add_i32, args: [x]}`},
		{"int for buffer", `
  - id: k
    kernel: {name: inc_i32, args: [3]}`},
		{"memset count past buffer", `
  - id: m
    memset: {buffer: x, value: 7, count: 4611686018427387904}`},
		{"failure inside loop body", `
  - id: loop
    for:
      counter: x
      iterations: 2
      body:
        - id: k
          kernel: {name: add_i32, args: [x, 99999999999]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			cfg, err := config.Parse([]byte("version: v1\nbuffers: [{name: x}]\nops:" + tc.ops + "\n"))
			require.NoError(t, err)
			_, err = program.Build(cfg, e.backend, e.host, kernels.Builtins(), nil)
			assert.Error(t, err)
			assert.Zero(t, e.host.Used(), "buffers and condition slots are freed")
		})
	}
}
