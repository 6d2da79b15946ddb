package protocol

import (
	"sync"
)

// Window size constants
const (
	DefaultRxBufferSize = 1024        // per connection receive window
	MinRxBufferSize     = 64          // smaller windows cannot hold a chunk header plus data
	MaxPooledWindow     = 1024 * 1024 // 1MB - don't pool larger windows
)

// windowPools holds one sync.Pool per window size. Servers allocate a window for
// every bound slot, so reusing them across connect/disconnect cycles saves garbage.
var windowPools sync.Map // int -> *sync.Pool

func windowPool(size int) *sync.Pool {
	if p, ok := windowPools.Load(size); ok {
		return p.(*sync.Pool)
	}
	p, _ := windowPools.LoadOrStore(size, &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	})
	return p.(*sync.Pool)
}

// GetWindow retrieves a receive window of exactly size bytes.
func GetWindow(size int) *[]byte {
	if size > MaxPooledWindow {
		buf := make([]byte, size)
		return &buf
	}
	return windowPool(size).Get().(*[]byte)
}

// PutWindow returns a window to the pool.
// Windows larger than MaxPooledWindow are not pooled to prevent memory bloat.
func PutWindow(buf *[]byte) {
	if buf == nil {
		return
	}
	size := len(*buf)
	if size == 0 || size > MaxPooledWindow {
		return
	}
	windowPool(size).Put(buf)
}
