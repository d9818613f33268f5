package core

// RuntimeConfig holds the engine-level settings a backend needs to create
// its runtime.
type RuntimeConfig struct {
	MemoryLimitMB int // per-runtime memory limit, 0 for unlimited
}
