package kvengine

import (
	"os"
	"strconv"
)

// Opts is the resolved, process-wide-defaultable configuration for a Store,
// built the way NewValuesStoreOpts seeds ValuesStoreOpts: each field falls
// back first to an environment variable, then to a computed default, and
// can finally be overridden by an Option.
type Opts struct {
	// InternalLimit is the payload size, in bytes, at or above which a
	// String/Array/Object value is spilled to a sidecar file instead of
	// stored inline (§4.4). Must be within [2048, 65535].
	InternalLimit int
	// Logger receives diagnostics. Defaults to NewDefaultLogger().
	Logger Logger
	// Workers sizes the fixed goroutine pool (§6, "a default thread pool
	// (4 fixed threads, 10-second idle timeout, unbounded queue)") that
	// backs both the single-slot apply executor and the per-key sidecar
	// executor.
	Workers int
	// ForceBlocking skips the mmap mirrored mode entirely and opens the
	// store directly in a blocking mode (§4.7, "selected only at open").
	ForceBlocking bool
	// SyncBlocking, when ForceBlocking is set, selects SYNC_BLOCKING
	// instead of the default ASYNC_BLOCKING.
	SyncBlocking bool
	// Encoders are additional Encoder implementations registered at open,
	// alongside the always-present built-in string-set encoder.
	Encoders []Encoder
}

const envPrefix = "KVENGINE_"

func resolveOpts(opts ...func(*Opts)) *Opts {
	o := &Opts{}
	if v := envInt(envPrefix + "INTERNAL_LIMIT"); v > 0 {
		o.InternalLimit = v
	}
	if o.InternalLimit <= 0 {
		o.InternalLimit = 8192
	}
	if v := envInt(envPrefix + "WORKERS"); v > 0 {
		o.Workers = v
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.InternalLimit < 2048 {
		o.InternalLimit = 2048
	}
	if o.InternalLimit > 65535 {
		o.InternalLimit = 65535
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.Logger == nil {
		o.Logger = NewDefaultLogger()
	}
	return o
}

func envInt(name string) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// Option mutates an Opts during resolveOpts; see OptInternalLimit et al.
type Option = func(*Opts)

// OptInternalLimit overrides the inline-vs-sidecar threshold. Clamped to
// [2048, 65535].
func OptInternalLimit(n int) Option {
	return func(o *Opts) { o.InternalLimit = n }
}

// OptLogger overrides the Logger used for diagnostics.
func OptLogger(l Logger) Option {
	return func(o *Opts) { o.Logger = l }
}

// OptWorkers overrides the default worker pool size.
func OptWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

// OptForceBlocking opens the store directly in a blocking mode, skipping
// the mmap mirrored mode.
func OptForceBlocking(sync bool) Option {
	return func(o *Opts) {
		o.ForceBlocking = true
		o.SyncBlocking = sync
	}
}

// OptEncoder registers an additional Encoder at open.
func OptEncoder(e Encoder) Option {
	return func(o *Opts) { o.Encoders = append(o.Encoders, e) }
}
