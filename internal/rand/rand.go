package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

const bytesInUint64 = 8

var defaultPool = newPool()

func newPool() *pool {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &pool{
		//nolint:gosec // identifier entropy, not security-critical
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
		scratch: make([]byte, bytesInUint64),
	}
}

type pool struct {
	mut     sync.Mutex
	rng     *rand.Rand
	scratch []byte
}

// read fills bytes with random bytes. It never fails and always fills
// bytes entirely.
func (p *pool) read(bytes []byte) {
	numBytes := len(bytes)
	numUint64s := numBytes / bytesInUint64
	remainingBytes := numBytes % bytesInUint64

	p.mut.Lock()
	defer p.mut.Unlock()

	// Fill the slice with 8-byte chunks
	for i := range numUint64s {
		from := i * bytesInUint64
		to := (i + 1) * bytesInUint64
		binary.LittleEndian.PutUint64(bytes[from:to], p.rng.Uint64())
	}

	// Handle remaining bytes (if any)
	if remainingBytes > 0 {
		binary.LittleEndian.PutUint64(p.scratch[0:], p.rng.Uint64())
		copy(bytes[numUint64s*bytesInUint64:], p.scratch[:remainingBytes])
	}
}

// Read fills p with random bytes from the process-wide pool.
// Unlike crypto/rand.Read it cannot fail, which keeps identifier
// generation non-blocking.
func Read(p []byte) {
	defaultPool.read(p)
}

// DurationN returns a uniformly random duration in [0, n) from the
// process-wide pool. n must be positive.
func DurationN(n time.Duration) time.Duration {
	defaultPool.mut.Lock()
	defer defaultPool.mut.Unlock()
	return time.Duration(defaultPool.rng.Int64N(int64(n)))
}

// Reader adapts the pool to io.Reader for APIs that accept an
// entropy source.
type Reader struct{}

func (Reader) Read(p []byte) (int, error) {
	Read(p)
	return len(p), nil
}
