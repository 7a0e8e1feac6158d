// Package arena is a bump allocator for the short-lived strings and buffers of
// a single compose and send cycle.
//
// Memory is carved from chunks by advancing an offset and is released in bulk
// with Reset. Nothing is freed individually. Allocations larger than HugeLimit
// bypass the chunks and are kept on a separate list that Reset also releases.
// Hold, Release and Relax form a nested checkpoint, used to reclaim the
// allocations of a failed attempt in a retry loop.
//
// Slices and strings returned by an Arena are only valid until the next Reset,
// or until a Relax to a checkpoint taken before they were allocated. Reading
// them afterwards returns whatever was allocated in their place. An Arena is
// not safe for concurrent use.
package arena

import (
	"fmt"
	"unsafe"
)

const (
	BuiltinSize = 0x2000  // Size of the first chunk, which is never released.
	ChunkSize   = 0x18000 // Size of chunks allocated when the first is full.
	HugeLimit   = 0x2000  // Larger allocations go to the huge list.
	align       = 8
)

type chunk struct {
	buf []byte
	off int // Next free byte.
}

// Checkpoint is a position in the arena, returned by Hold.
type Checkpoint struct {
	id     int
	nchunk int
	off    int
	nhuge  int
}

// Arena hands out transient memory. The zero value is not usable, use New.
type Arena struct {
	chunks []*chunk
	huge   [][]byte
	holds  []Checkpoint
	nextID int

	stats Stats
}

// Stats are counters about arena use, mostly of interest for debugging.
type Stats struct {
	Chunks    int   // Chunks currently allocated, including the builtin chunk.
	Huge      int   // Huge allocations currently held.
	InUse     int64 // Bytes handed out since the last reset, excluding huge allocations.
	HugeBytes int64 // Bytes in huge allocations since the last reset.
	Allocs    int64 // Allocations ever.
	Resets    int64 // Calls to Reset.
	MaxChunks int   // Maximum of Chunks ever seen.
}

// New returns an arena with only its builtin chunk.
func New() *Arena {
	a := &Arena{
		chunks: []*chunk{{buf: make([]byte, BuiltinSize)}},
	}
	a.stats.Chunks = 1
	a.stats.MaxChunks = 1
	return a
}

// Alloc returns size zeroed bytes. A size of 0 is treated as 1, sizes are
// rounded up for alignment. Alloc does not fail, memory exhaustion aborts the
// program.
func (a *Arena) Alloc(size int) []byte {
	if size < 0 {
		panic(fmt.Sprintf("arena: negative allocation size %d", size))
	}
	want := size
	if size == 0 {
		size = 1
	}
	size = (size + align - 1) &^ (align - 1)
	a.stats.Allocs++

	if size > HugeLimit {
		buf := make([]byte, size)
		a.huge = append(a.huge, buf)
		a.stats.Huge++
		a.stats.HugeBytes += int64(size)
		return buf[:want:want]
	}

	c := a.chunks[len(a.chunks)-1]
	if c.off+size > len(c.buf) {
		c = &chunk{buf: make([]byte, ChunkSize)}
		a.chunks = append(a.chunks, c)
		a.stats.Chunks++
		a.stats.MaxChunks = max(a.stats.MaxChunks, a.stats.Chunks)
	}
	buf := c.buf[c.off : c.off+size : c.off+size]
	c.off += size
	a.stats.InUse += int64(size)
	clear(buf)
	return buf[:want:want]
}

// Reset releases all memory allocated since the previous reset. Outstanding
// checkpoints are discarded.
func (a *Arena) Reset() {
	first := a.chunks[0]
	first.off = 0
	for i := 1; i < len(a.chunks); i++ {
		a.chunks[i] = nil
	}
	a.chunks = a.chunks[:1]
	a.huge = nil
	a.holds = nil
	a.stats.Chunks = 1
	a.stats.Huge = 0
	a.stats.InUse = 0
	a.stats.HugeBytes = 0
	a.stats.Resets++
}

// Hold marks the current position. The returned checkpoint must be passed to
// either Release or Relax, in last-in first-out order.
func (a *Arena) Hold() Checkpoint {
	a.nextID++
	cp := Checkpoint{
		id:     a.nextID,
		nchunk: len(a.chunks),
		off:    a.chunks[len(a.chunks)-1].off,
		nhuge:  len(a.huge),
	}
	a.holds = append(a.holds, cp)
	return cp
}

func (a *Arena) pop(cp Checkpoint) {
	if len(a.holds) == 0 || a.holds[len(a.holds)-1].id != cp.id {
		panic("arena: checkpoint released out of order or after reset")
	}
	a.holds = a.holds[:len(a.holds)-1]
}

// Release ends the hold and keeps everything allocated since.
func (a *Arena) Release(cp Checkpoint) {
	a.pop(cp)
}

// Relax ends the hold and reclaims everything allocated since, including huge
// allocations.
func (a *Arena) Relax(cp Checkpoint) {
	a.pop(cp)
	for i := cp.nchunk; i < len(a.chunks); i++ {
		a.stats.InUse -= int64(a.chunks[i].off)
		a.chunks[i] = nil
	}
	a.chunks = a.chunks[:cp.nchunk]
	c := a.chunks[cp.nchunk-1]
	a.stats.InUse -= int64(c.off - cp.off)
	c.off = cp.off
	for i := cp.nhuge; i < len(a.huge); i++ {
		a.stats.HugeBytes -= int64(len(a.huge[i]))
		a.huge[i] = nil
	}
	a.huge = a.huge[:cp.nhuge]
	a.stats.Chunks = len(a.chunks)
	a.stats.Huge = len(a.huge)
}

// Stats returns the current counters.
func (a *Arena) Stats() Stats {
	return a.stats
}

func (a *Arena) str(buf []byte) string {
	if len(buf) == 0 {
		return ""
	}
	return unsafe.String(&buf[0], len(buf))
}

// SaveStr returns a copy of s in arena memory.
func (a *Arena) SaveStr(s string) string {
	buf := a.Alloc(len(s))
	copy(buf, s)
	return a.str(buf)
}

// SaveBuf returns a copy of buf as string in arena memory.
func (a *Arena) SaveBuf(buf []byte) string {
	nbuf := a.Alloc(len(buf))
	copy(nbuf, buf)
	return a.str(nbuf)
}

// Save2Str returns old followed by a space and s, or just s if old is empty.
func (a *Arena) Save2Str(s, old string) string {
	if old == "" {
		return a.SaveStr(s)
	}
	buf := a.Alloc(len(old) + 1 + len(s))
	n := copy(buf, old)
	buf[n] = ' '
	copy(buf[n+1:], s)
	return a.str(buf)
}

// SaveCat returns the concatenation of s1 and s2.
func (a *Arena) SaveCat(s1, s2 string) string {
	buf := a.Alloc(len(s1) + len(s2))
	n := copy(buf, s1)
	copy(buf[n:], s2)
	return a.str(buf)
}

// Sprintf formats into arena memory.
func (a *Arena) Sprintf(format string, args ...any) string {
	return a.SaveStr(fmt.Sprintf(format, args...))
}

// Builder accumulates a string in arena memory. Unlike strings.Builder, the
// result is invalidated by Reset. Growing copies into a new allocation, the
// old space is only reclaimed at reset or relax.
type Builder struct {
	a   *Arena
	buf []byte
}

// Builder returns a new builder for this arena.
func (a *Arena) Builder(sizeHint int) *Builder {
	return &Builder{a: a, buf: a.Alloc(sizeHint)[:0]}
}

func (b *Builder) grow(n int) {
	if len(b.buf)+n <= cap(b.buf) {
		return
	}
	nbuf := b.a.Alloc(2*cap(b.buf) + n)
	copy(nbuf, b.buf)
	b.buf = nbuf[:len(b.buf)]
}

// WriteString appends s.
func (b *Builder) WriteString(s string) {
	b.grow(len(s))
	b.buf = append(b.buf, s...)
}

// WriteByte appends c.
func (b *Builder) WriteByte(c byte) error {
	b.grow(1)
	b.buf = append(b.buf, c)
	return nil
}

// Len returns the number of bytes written.
func (b *Builder) Len() int {
	return len(b.buf)
}

// String returns the accumulated string, backed by arena memory.
func (b *Builder) String() string {
	return b.a.str(b.buf)
}
