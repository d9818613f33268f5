package napi

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T, poolSize int, opts ...Option) *Env {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PoolSize = poolSize
	env, err := NewEnv(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func runEnv(t *testing.T, env *Env, main func(*Env) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, env.Run(ctx, main))
}

// hookRecorder records hook events as "event:id" strings.
type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *hookRecorder) add(event string, id AsyncID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("%s:%d", event, id))
}

func (r *hookRecorder) note(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
}

func (r *hookRecorder) hooks() AsyncHooks {
	return AsyncHooks{
		Init:    func(id AsyncID, _ string) { r.add("init", id) },
		Before:  func(id AsyncID) { r.add("before", id) },
		After:   func(id AsyncID) { r.add("after", id) },
		Destroy: func(id AsyncID) { r.add("destroy", id) },
	}
}

func (r *hookRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// blockWorker occupies one worker until the returned release func is
// called. It returns once the worker is inside execute.
func blockWorker(t *testing.T, env *Env) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	var w AsyncWork
	w, st := CreateAsyncWork(env, nil, "blocker",
		func(*Env, any) {
			close(started)
			<-gate
		},
		func(env *Env, _ Status, _ any) { DeleteAsyncWork(env, w) },
		nil)
	require.Equal(t, StatusOK, st)
	require.Equal(t, StatusOK, QueueAsyncWork(env, w))
	<-started
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// runRecovering runs env and returns the value of a panic that escaped Run.
func runRecovering(t *testing.T, env *Env, main func(*Env) error) (recovered any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	defer func() { recovered = recover() }()
	_ = env.Run(ctx, main)
	return nil
}
