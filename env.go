package napi

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/napi/internal/asynchooks"
	"github.com/cryguy/napi/internal/core"
	"github.com/cryguy/napi/internal/eventloop"
	"github.com/cryguy/napi/internal/handles"
	"github.com/cryguy/napi/internal/handlescope"
	"github.com/cryguy/napi/internal/jsmodules"
	"github.com/cryguy/napi/internal/threadpool"
)

type envState uint32

const (
	envOpen envState = iota
	envClosing
	envClosed
)

// Option configures an environment.
type Option func(*Env)

// WithLogger sets the environment's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Env) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithAsyncHooks registers hooks before the built-in modules load, so they
// observe every async resource the environment creates.
func WithAsyncHooks(h AsyncHooks) Option {
	return func(e *Env) {
		e.initialHooks = append(e.initialHooks, h)
	}
}

// Env is one script engine instance together with the event loop that
// owns it. The goroutine running the loop (see Run) is the engine thread:
// the only goroutine allowed to call into the engine or the API functions
// of this package, except where noted.
type Env struct {
	id     string
	cfg    Config
	logger *zap.Logger
	state  atomic.Uint32
	owner  atomic.Uint64

	rt      core.JSRuntime
	loop    *eventloop.Loop
	pool    *threadpool.Pool
	scopes  *handlescope.Stack
	hooks   *asynchooks.Registry
	tracker *asynchooks.Tracker

	works        *handles.Table[*asyncWork]
	scopeTable   *handles.Table[*handlescope.Scope]
	lastError    ExtendedErrorInfo
	jsHookIDs    map[int]asynchooks.HookID
	initialHooks []AsyncHooks
}

// NewEnv creates an environment. The calling goroutine owns the engine
// until Run moves ownership to the goroutine that runs the loop.
func NewEnv(cfg Config, opts ...Option) (*Env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("napi: invalid config: %w", err)
	}
	e := &Env{
		id:         uuid.NewString(),
		cfg:        cfg,
		logger:     Logger(),
		loop:       eventloop.New(),
		scopes:     handlescope.NewStack(cfg.MaxHandleScopeDepth),
		hooks:      asynchooks.NewRegistry(),
		works:      handles.NewTable[*asyncWork](),
		scopeTable: handles.NewTable[*handlescope.Scope](),
		jsHookIDs:  make(map[int]asynchooks.HookID),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("env", e.id))
	e.tracker = asynchooks.NewTracker(e.hooks, cfg.MaxCallbackScopeDepth)
	e.owner.Store(eventloop.GoroutineID())

	for _, h := range e.initialHooks {
		if _, err := e.hooks.Add(h); err != nil {
			return nil, err
		}
	}

	rt, err := newRuntime(cfg.runtimeConfig())
	if err != nil {
		return nil, fmt.Errorf("napi: creating %s runtime: %w", Backend, err)
	}
	e.rt = rt

	pool, err := threadpool.New(e.loop, cfg.PoolSize, cfg.CompletionRingSize, e.logger.Named("threadpool"))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("napi: %w", err)
	}
	e.pool = pool
	e.loop.AddSource(pool)

	if err := e.setupBuiltins(); err != nil {
		pool.Shutdown()
		pool.Wait()
		rt.Close()
		return nil, fmt.Errorf("napi: loading built-in modules: %w", err)
	}

	e.logger.Debug("environment created",
		zap.String("backend", Backend),
		zap.Int("pool_size", cfg.PoolSize))
	return e, nil
}

func (e *Env) setupBuiltins() error {
	if err := e.setupTimers(); err != nil {
		return err
	}
	if err := e.setupJSAsyncHooks(); err != nil {
		return err
	}
	return jsmodules.Load(e.rt)
}

// ID returns the environment's unique identifier.
func (e *Env) ID() string { return e.id }

// Config returns the configuration the environment was created with.
func (e *Env) Config() Config { return e.cfg }

// Logger returns the environment's logger.
func (e *Env) Logger() *zap.Logger { return e.logger }

// Runtime returns the script engine. Engine thread only.
func (e *Env) Runtime() core.JSRuntime {
	e.checkThread("Env.Runtime")
	return e.rt
}

// IsEngineThread reports whether the caller is the goroutine that owns the
// engine.
func (e *Env) IsEngineThread() bool {
	return e.owner.Load() == eventloop.GoroutineID()
}

// PoolStats returns worker pool counters. Safe from any goroutine.
func (e *Env) PoolStats() threadpool.Stats {
	return e.pool.Stats()
}

func (e *Env) valid() bool {
	return e != nil && envState(e.state.Load()) != envClosed
}

func (e *Env) closing() bool {
	return envState(e.state.Load()) == envClosing
}

// Run executes main on the calling goroutine inside a handle scope and
// then iterates the event loop until no work is outstanding, ctx is done,
// or the loop is stopped. The calling goroutine becomes the engine thread
// and is locked to its OS thread until Run returns.
//
// main's error is returned once outstanding completions were delivered.
func (e *Env) Run(ctx context.Context, main func(*Env) error) error {
	if !e.valid() {
		return ErrClosed
	}
	if e.loop.Running() {
		return ErrLoopRunning
	}
	e.owner.Store(eventloop.GoroutineID())

	var mainErr error
	if main != nil {
		if err := e.loop.Submit(func() {
			mainErr = e.runMain(main)
		}); err != nil {
			return err
		}
	}
	if err := e.loop.Run(ctx); err != nil {
		return err
	}
	return mainErr
}

func (e *Env) runMain(main func(*Env) error) error {
	scope, err := e.scopes.Open()
	if err != nil {
		e.fatal("Env.Run", err.Error())
	}
	defer func() {
		if r := recover(); r != nil {
			e.scopes.CloseAll()
			panic(r)
		}
	}()
	mainErr := main(e)
	e.rt.RunMicrotasks()
	if err := e.scopes.Close(scope); err != nil {
		e.fatal("Env.Run", "main returned with a handle scope still open")
	}
	return mainErr
}

// Stop makes a running loop return after its current iteration. Safe from
// any goroutine.
func (e *Env) Stop() {
	e.loop.Stop()
}

// Close tears the environment down: new work is rejected, queued work is
// cancelled, every outstanding completion is delivered (Cancelled for work
// that never started), the workers are joined, open handle scopes are
// closed, hooks are dropped and the engine is disposed. It is idempotent.
func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	if e.loop.Running() {
		return ErrLoopRunning
	}
	if !e.state.CompareAndSwap(uint32(envOpen), uint32(envClosing)) {
		return nil
	}
	e.owner.Store(eventloop.GoroutineID())

	e.loop.ClearTimers()
	e.pool.Shutdown()
	if err := e.loop.Run(context.Background()); err != nil {
		e.logger.Warn("draining completions", zap.Error(err))
	}
	e.pool.Wait()
	e.loop.Close()

	if n := e.scopes.CloseAll(); n > 0 {
		e.logger.Warn("closed leaked handle scopes", zap.Int("count", n))
	}
	if n := e.works.Len(); n > 0 {
		e.logger.Debug("async work not deleted before close", zap.Int("count", n))
	}
	e.hooks.Close()
	e.rt.Close()
	e.state.Store(uint32(envClosed))
	e.logger.Debug("environment closed")
	return nil
}
