// Package shm implements the shared-memory pool (component C2): buffers
// backed by named POSIX shared-memory objects under /dev/shm, mmap'd into
// the process and registered with the driver daemon, recycled through a
// size-indexed free-list.
package shm

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/accelrt/npurt/internal/driverclient"
	"github.com/accelrt/npurt/internal/logging"
)

// SharedMemoryBuffer is one page-aligned, driver-registered buffer.
type SharedMemoryBuffer struct {
	Size                  int
	Data                  []byte
	Path                  string
	MappingID             uint64
	UnsupportedByRuntime  bool

	fd int
}

// Pool allocates and recycles SharedMemoryBuffers. A single mutex guards
// both the free-list and the invalid flag so the two never drift apart
// under concurrent allocate/free calls.
type Pool struct {
	mu       chan struct{} // binary semaphore; see lock()/unlock()
	freeList map[int][]*SharedMemoryBuffer
	invalid  bool
	driver   driverclient.Client
	session  string
	logger   *logging.Logger
}

// NewPool builds a pool bound to the given driver client and session id.
// The session id scopes shm_map registrations on the driver side.
func NewPool(driver driverclient.Client, session string, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Pool{
		mu:       make(chan struct{}, 1),
		freeList: make(map[int][]*SharedMemoryBuffer),
		driver:   driver,
		session:  session,
		logger:   logger,
	}
	p.mu <- struct{}{}
	return p
}

func (p *Pool) lock()   { <-p.mu }
func (p *Pool) unlock() { p.mu <- struct{}{} }

// Invalid reports whether the pool has permanently fallen back to inline
// transport because the driver reported shared memory is unsupported.
func (p *Pool) Invalid() bool {
	p.lock()
	defer p.unlock()
	return p.invalid
}

// Allocate returns a buffer of exactly size bytes, reusing a free one when
// available. Returns (nil, nil) once the pool has gone invalid: callers
// must fall back to inline RPC transport, this is not an error.
func (p *Pool) Allocate(ctx context.Context, size int) (*SharedMemoryBuffer, error) {
	p.lock()
	defer p.unlock()

	// Re-check invalid inside the lock: another goroutine may have
	// flipped it between our caller's observation and this acquisition.
	if p.invalid {
		return nil, nil
	}

	if bucket := p.freeList[size]; len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.freeList[size] = bucket[:len(bucket)-1]
		return buf, nil
	}

	name := fmt.Sprintf("/neuron_clib_%s", uuid.New().String())
	path := "/dev/shm" + name

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, status.Errorf(codes.ResourceExhausted, "create shm object %s: %v", path, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, status.Errorf(codes.ResourceExhausted, "truncate shm object %s: %v", path, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, status.Errorf(codes.ResourceExhausted, "mmap shm object %s: %v", path, err)
	}

	const protReadWrite = int32(unix.PROT_READ | unix.PROT_WRITE)
	mappingID, err := p.driver.ShmMap(ctx, path, protReadWrite, p.session)
	if err != nil {
		if status.Code(err) == codes.Unimplemented || status.Code(err) == codes.FailedPrecondition {
			p.logger.Warn("driver reports shared memory unsupported; falling back to inline transport")
			p.invalid = true
			unix.Munmap(data)
			unix.Close(fd)
			unix.Unlink(path)
			return nil, nil
		}
		unix.Munmap(data)
		unix.Close(fd)
		unix.Unlink(path)
		return nil, err
	}

	return &SharedMemoryBuffer{
		Size:      size,
		Data:      data,
		Path:      path,
		MappingID: mappingID,
		fd:        fd,
	}, nil
}

// Free returns buf to the size-indexed free-list. It is the caller's
// responsibility not to retain references into buf.Data after Free.
func (p *Pool) Free(buf *SharedMemoryBuffer) {
	if buf == nil {
		return
	}
	p.lock()
	defer p.unlock()
	p.freeList[buf.Size] = append(p.freeList[buf.Size], buf)
}

// Clear unregisters, unmaps, and drops every buffer the pool holds.
func (p *Pool) Clear(ctx context.Context) {
	p.lock()
	defer p.unlock()

	for size, bucket := range p.freeList {
		for _, buf := range bucket {
			const protReadWrite = int32(unix.PROT_READ | unix.PROT_WRITE)
			if err := p.driver.ShmUnmap(ctx, buf.Path, protReadWrite); err != nil {
				p.logger.Warn("shm_unmap failed during clear", "path", buf.Path, "error", err.Error())
			}
			unix.Munmap(buf.Data)
			unix.Close(buf.fd)
			unix.Unlink(buf.Path)
		}
		delete(p.freeList, size)
	}
}
