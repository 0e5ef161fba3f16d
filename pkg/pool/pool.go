// Package pool provides buffer pooling for response and log encoding.
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	json.NewEncoder(buf).Encode(v)
package pool

import (
	"bytes"
	"sync"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest capacity returned to the pool; bigger
	// buffers are left to the GC.
	MaxBufferSize int
}

var (
	configMu     sync.RWMutex
	globalConfig = PoolConfig{
		Enabled:       true,
		MaxBufferSize: 1 << 20,
	}
)

// Configure sets global pool configuration.
func Configure(config PoolConfig) {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = config
}

func current() PoolConfig {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return current().Enabled
}

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer returns an empty buffer.
func GetBuffer() *bytes.Buffer {
	if !IsEnabled() {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	}
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to the pool. The caller must not use buf afterwards.
func PutBuffer(buf *bytes.Buffer) {
	cfg := current()
	if !cfg.Enabled || buf == nil {
		return
	}
	if cfg.MaxBufferSize > 0 && buf.Cap() > cfg.MaxBufferSize {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
