// Package shmim is the local image stream adapter: a named, process-shared
// memory region holding image metadata, a small ring of frames, and an array
// of futex words used as reader wake-up hints.
//
// Streams live as memory-mapped files named <name>.im.shm under the
// directory given by the MILK_SHM_DIR environment variable. The producer
// process creates the stream; any number of readers attach to it. All
// counter and flag accesses go through atomics so that readers in other
// processes observe consistent metadata.
//
// File layout (all integers little-endian, offsets in bytes):
//
//	0    magic "MILKSHM\x00"
//	8    layout version (uint32)
//	12   datatype code (uint8) + padding
//	16   width (uint32)
//	20   height (uint32)
//	24   depth (uint32, 0 = single-frame buffer)
//	28   nsem (uint32)
//	32   cnt0 (uint64, monotonic frame counter)
//	40   cnt1 (uint64, ring slot index)
//	48   write flag (uint32, 1 while a write is in progress)
//	56   atime sec / nsec (2 × uint64)
//	72   writetime sec / nsec (2 × uint64)
//	88   reserved up to 128
//	128  nsem futex words (uint32 each)
//	...  pixel data, 64-byte aligned
package shmim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	magic         = "MILKSHM\x00"
	layoutVersion = 1

	// DefaultNumSem is the number of semaphore words allocated by Create.
	DefaultNumSem = 10

	// FileSuffix is appended to the stream name to form the backing file name.
	FileSuffix = ".im.shm"

	headerBytes = 128
	semOffset   = headerBytes

	offVersion  = 8
	offDataType = 12
	offWidth    = 16
	offHeight   = 20
	offDepth    = 24
	offNumSem   = 28
	offCnt0     = 32
	offCnt1     = 40
	offWrite    = 48
	offAtimeSec = 56
	offAtimeNs  = 64
	offWtimeSec = 72
	offWtimeNs  = 80
)

var (
	// ErrNotReady means the backing file does not exist yet, or the producer
	// has not finished initialising it (zero semaphores allocated). Expected
	// while a producer is starting; callers retry.
	ErrNotReady = errors.New("shmim: stream not ready")

	// ErrBadStream means the backing file exists but is not a valid stream.
	ErrBadStream = errors.New("shmim: not a valid image stream")
)

// Geometry is the pixel shape of a stream.
type Geometry struct {
	DataType DataType
	Width    uint32
	Height   uint32
	Depth    uint32 // 0 = single-frame buffer, no ring
}

// FrameBytes returns the byte length of one uncompressed frame.
func (g Geometry) FrameBytes() int {
	return int(g.Width) * int(g.Height) * g.DataType.Size()
}

// slots returns the number of frame slots backing the stream.
func (g Geometry) slots() int {
	if g.Depth == 0 {
		return 1
	}
	return int(g.Depth)
}

// Dir returns the shared-memory directory: MILK_SHM_DIR if set, otherwise
// /milk/shm.
func Dir() string {
	if d := os.Getenv("MILK_SHM_DIR"); d != "" {
		return d
	}
	return "/milk/shm"
}

// FileName returns the full path of the backing file for a stream name.
func FileName(name string) string {
	return filepath.Join(Dir(), name+FileSuffix)
}

// Stream is an attached or created image stream.
//
// Thread-safety: a Stream is owned by the single loop that opened it.
// Metadata accessors use atomics only so that concurrent readers in other
// processes are well defined, not to make one Stream value shareable.
type Stream struct {
	name    string
	path    string
	mem     []byte
	geom    Geometry
	nsem    int
	dataOff int
	inode   uint64

	cnt0  *uint64
	cnt1  *uint64
	write *uint32
	sems  []*uint32
}

func align64(n int) int {
	return (n + 63) &^ 63
}

func totalSize(g Geometry, nsem int) int {
	return align64(semOffset+4*nsem) + g.FrameBytes()*g.slots()
}

// Create creates (or replaces) a local stream with the given geometry.
// Used on the client side when mirroring a remote stream.
func Create(name string, g Geometry, nsem int) (*Stream, error) {
	if !g.DataType.Valid() {
		return nil, fmt.Errorf("shmim: create %s: bad datatype %d", name, g.DataType)
	}
	if nsem <= 0 {
		nsem = DefaultNumSem
	}
	path := FileName(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o666)
	if err != nil {
		return nil, fmt.Errorf("shmim: create %s: %w", name, err)
	}
	size := totalSize(g, nsem)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmim: create %s: %w", name, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("shmim: create %s: mmap: %w", name, err)
	}

	copy(mem[:8], magic)
	binary.LittleEndian.PutUint32(mem[offVersion:], layoutVersion)
	mem[offDataType] = byte(g.DataType)
	binary.LittleEndian.PutUint32(mem[offWidth:], g.Width)
	binary.LittleEndian.PutUint32(mem[offHeight:], g.Height)
	binary.LittleEndian.PutUint32(mem[offDepth:], g.Depth)
	binary.LittleEndian.PutUint32(mem[offNumSem:], uint32(nsem))

	s := newStream(name, path, mem, g, nsem)
	return s, nil
}

// Open attaches to an existing stream. It returns ErrNotReady if the file
// does not exist or reports zero semaphores (producer still starting), and
// ErrBadStream for a file that is not a stream.
func Open(name string) (*Stream, error) {
	path := FileName(name)
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, ErrNotReady
		}
		return nil, fmt.Errorf("shmim: open %s: %w", name, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmim: open %s: %w", name, err)
	}
	if st.Size < int64(headerBytes) {
		unix.Close(fd)
		return nil, ErrNotReady
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("shmim: open %s: mmap: %w", name, err)
	}
	if string(mem[:8]) != magic || binary.LittleEndian.Uint32(mem[offVersion:]) != layoutVersion {
		unix.Munmap(mem)
		return nil, ErrBadStream
	}
	g := Geometry{
		DataType: DataType(mem[offDataType]),
		Width:    binary.LittleEndian.Uint32(mem[offWidth:]),
		Height:   binary.LittleEndian.Uint32(mem[offHeight:]),
		Depth:    binary.LittleEndian.Uint32(mem[offDepth:]),
	}
	nsem := int(binary.LittleEndian.Uint32(mem[offNumSem:]))
	if !g.DataType.Valid() || totalSize(g, nsem) > len(mem) {
		unix.Munmap(mem)
		return nil, ErrBadStream
	}
	if nsem <= 0 {
		unix.Munmap(mem)
		return nil, ErrNotReady
	}
	s := newStream(name, path, mem, g, nsem)
	return s, nil
}

func newStream(name, path string, mem []byte, g Geometry, nsem int) *Stream {
	s := &Stream{
		name:    name,
		path:    path,
		mem:     mem,
		geom:    g,
		nsem:    nsem,
		dataOff: align64(semOffset + 4*nsem),
	}
	s.cnt0 = (*uint64)(unsafe.Pointer(&mem[offCnt0]))
	s.cnt1 = (*uint64)(unsafe.Pointer(&mem[offCnt1]))
	s.write = (*uint32)(unsafe.Pointer(&mem[offWrite]))
	s.sems = make([]*uint32, nsem)
	for i := range s.sems {
		s.sems[i] = (*uint32)(unsafe.Pointer(&mem[semOffset+4*i]))
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil {
		s.inode = uint64(st.Ino)
	}
	return s
}

// Name returns the stream name.
func (s *Stream) Name() string { return s.name }

// Geometry returns the stream geometry recorded at open time.
func (s *Stream) Geometry() Geometry { return s.geom }

// ReadGeometry re-reads the geometry from shared metadata. The producer may
// have recreated the stream in place with a different shape.
func (s *Stream) ReadGeometry() Geometry {
	return Geometry{
		DataType: DataType(s.mem[offDataType]),
		Width:    binary.LittleEndian.Uint32(s.mem[offWidth:]),
		Height:   binary.LittleEndian.Uint32(s.mem[offHeight:]),
		Depth:    binary.LittleEndian.Uint32(s.mem[offDepth:]),
	}
}

// NumSem returns the semaphore count from shared metadata. A producer that
// is tearing down zeroes this field.
func (s *Stream) NumSem() int {
	return int(atomic.LoadUint32((*uint32)(unsafe.Pointer(&s.mem[offNumSem]))))
}

// Cnt0 returns the monotonic frame counter.
func (s *Stream) Cnt0() uint64 { return atomic.LoadUint64(s.cnt0) }

// SetCnt0 stores the monotonic frame counter.
func (s *Stream) SetCnt0(v uint64) { atomic.StoreUint64(s.cnt0, v) }

// Cnt1 returns the ring slot index of the most recent write.
func (s *Stream) Cnt1() uint64 { return atomic.LoadUint64(s.cnt1) }

// SetCnt1 stores the ring slot index.
func (s *Stream) SetCnt1(v uint64) { atomic.StoreUint64(s.cnt1, v) }

// CurrentIndex returns the slot holding the most recent frame: cnt1 modulo
// depth when depth > 0, else 0.
func (s *Stream) CurrentIndex() int {
	if s.geom.Depth == 0 {
		return 0
	}
	return int(s.Cnt1() % uint64(s.geom.Depth))
}

// BeginWrite marks a write in progress so readers can skip torn frames.
func (s *Stream) BeginWrite() { atomic.StoreUint32(s.write, 1) }

// EndWrite clears the write-in-progress flag.
func (s *Stream) EndWrite() { atomic.StoreUint32(s.write, 0) }

// WriteInProgress reports whether a write is in progress.
func (s *Stream) WriteInProgress() bool { return atomic.LoadUint32(s.write) != 0 }

// Atime returns the acquisition time stored in metadata.
func (s *Stream) Atime() (sec, nsec uint64) {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mem[offAtimeSec]))),
		atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mem[offAtimeNs])))
}

// SetAtime stores the acquisition time.
func (s *Stream) SetAtime(sec, nsec uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mem[offAtimeSec])), sec)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mem[offAtimeNs])), nsec)
}

// WriteTime returns the time of the most recent producer write.
func (s *Stream) WriteTime() (sec, nsec uint64) {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mem[offWtimeSec]))),
		atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.mem[offWtimeNs])))
}

// SetWriteTime stores the producer write time.
func (s *Stream) SetWriteTime(sec, nsec uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mem[offWtimeSec])), sec)
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.mem[offWtimeNs])), nsec)
}

// SetWriteTimeNow stores the current wall clock as the producer write time.
func (s *Stream) SetWriteTimeNow() {
	now := time.Now()
	s.SetWriteTime(uint64(now.Unix()), uint64(now.Nanosecond()))
}

// Slice returns the pixel bytes of frame slot i.
func (s *Stream) Slice(i int) []byte {
	fb := s.geom.FrameBytes()
	off := s.dataOff + i*fb
	return s.mem[off : off+fb : off+fb]
}

// InodeChanged re-stats the backing file and reports whether it has been
// replaced (or removed) since the stream was opened. A changed inode means
// the producer has recreated the stream and this mapping is stale.
func (s *Stream) InodeChanged() bool {
	var st unix.Stat_t
	if err := unix.Stat(s.path, &st); err != nil {
		return true
	}
	return uint64(st.Ino) != s.inode
}

// Close unmaps the stream. The backing file is left in place.
func (s *Stream) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Destroy unmaps the stream and removes the backing file. Used by the
// client before recreating its mirror with a new geometry.
func (s *Stream) Destroy() error {
	err := s.Close()
	if rmErr := os.Remove(s.path); err == nil {
		err = rmErr
	}
	return err
}
