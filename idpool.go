package hookz

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// IDPool hands out pre-generated ids so crypto/rand stays off the span
// creation path.
type IDPool struct {
	generate func() string
	ids      chan string
	stopCh   chan struct{}
	once     sync.Once
}

// NewIDPool creates a pool holding up to capacity ids from generate and
// starts refilling it in the background.
func NewIDPool(capacity int, generate func() string) *IDPool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &IDPool{
		generate: generate,
		ids:      make(chan string, capacity),
		stopCh:   make(chan struct{}),
	}
	go p.refill()
	return p
}

// Get returns a pooled id, generating one inline when the pool is empty.
func (p *IDPool) Get() string {
	select {
	case id := <-p.ids:
		return id
	default:
		return p.generate()
	}
}

// Len returns the number of ids waiting in the pool.
func (p *IDPool) Len() int {
	return len(p.ids)
}

func (p *IDPool) refill() {
	for {
		id := p.generate()
		select {
		case p.ids <- id:
		case <-p.stopCh:
			return
		}
	}
}

// Close stops the refill goroutine. Get keeps working afterwards.
func (p *IDPool) Close() {
	p.once.Do(func() {
		close(p.stopCh)
	})
}

// spanIDGenerator returns 16 hex characters of randomness, falling back to
// the clock when crypto/rand fails.
func spanIDGenerator(clock clockz.Clock) func() string {
	return func() string {
		b := make([]byte, 8)
		if _, err := rand.Read(b); err != nil {
			return strconv.FormatInt(clock.Now().UnixNano(), 16)
		}
		return hex.EncodeToString(b)
	}
}

// newTraceID returns 32 hex characters.
func newTraceID(clock clockz.Clock) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return hex.EncodeToString([]byte(clock.Now().Format(time.RFC3339Nano)))[:32]
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
