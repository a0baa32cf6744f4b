// Package shm reserves named shared-memory regions for the device table and
// buffer pools. Process-shared regions are anonymous memfd mappings so that
// packet memory can be shared with forked worker processes and handed to
// kernel transports; private regions are plain anonymous mappings. Huge-page
// backing is attempted when requested and silently degraded to normal pages
// when the system has none available.
package shm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-pktio/internal/constants"
)

// Flags control how a region is reserved.
type Flags uint32

const (
	// Proc requests a mapping that remains shared with child processes.
	Proc Flags = 1 << iota

	// HugePages requests 2 MiB huge-page backing.
	HugePages
)

// Region is one reserved shared-memory area.
type Region struct {
	name     string
	fd       int
	buf      []byte
	pageSize uint64
	huge     bool
}

var (
	regMu   sync.Mutex
	regions = make(map[string]*Region)
)

// Reserve creates a named region of the given size. The name must be unique
// among live regions.
func Reserve(name string, size uint64, flags Flags) (*Region, error) {
	regMu.Lock()
	defer regMu.Unlock()

	if _, ok := regions[name]; ok {
		return nil, fmt.Errorf("shm: region %q already reserved", name)
	}

	var r *Region
	var err error
	if flags&HugePages != 0 {
		r, err = mapRegion(name, size, flags&Proc != 0, true)
		if err != nil {
			// No huge pages configured; degrade to normal pages.
			r, err = mapRegion(name, size, flags&Proc != 0, false)
		}
	} else {
		r, err = mapRegion(name, size, flags&Proc != 0, false)
	}
	if err != nil {
		return nil, err
	}
	regions[name] = r
	return r, nil
}

func mapRegion(name string, size uint64, proc, huge bool) (*Region, error) {
	if huge {
		size = roundUp(size, constants.FirstHugePageSize)
	}

	fd := -1
	mapFlags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if proc {
		mfdFlags := unix.MFD_CLOEXEC
		if huge {
			mfdFlags |= unix.MFD_HUGETLB | unix.MFD_HUGE_2MB
		}
		memfd, err := unix.MemfdCreate(name, mfdFlags)
		if err != nil {
			return nil, fmt.Errorf("shm: memfd_create %q: %w", name, err)
		}
		if err := unix.Ftruncate(memfd, int64(size)); err != nil {
			unix.Close(memfd)
			return nil, fmt.Errorf("shm: ftruncate %q to %d: %w", name, size, err)
		}
		fd = memfd
		mapFlags = unix.MAP_SHARED
	} else if huge {
		mapFlags |= unix.MAP_HUGETLB | unix.MAP_HUGE_2MB
	}

	buf, err := unix.Mmap(fd, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, mapFlags)
	if err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("shm: mmap %q: %w", name, err)
	}

	pageSize := uint64(unix.Getpagesize())
	if huge {
		pageSize = constants.FirstHugePageSize
	}

	return &Region{
		name:     name,
		fd:       fd,
		buf:      buf,
		pageSize: pageSize,
		huge:     huge,
	}, nil
}

// Lookup returns the live region with the given name, or nil.
func Lookup(name string) *Region {
	regMu.Lock()
	defer regMu.Unlock()
	return regions[name]
}

// Bytes returns the mapped memory.
func (r *Region) Bytes() []byte { return r.buf }

// Addr returns the virtual address of the mapping start.
func (r *Region) Addr() uintptr {
	return uintptr(unsafe.Pointer(&r.buf[0]))
}

// PageSize returns the backing page size of the mapping.
func (r *Region) PageSize() uint64 { return r.pageSize }

// HugePageBacked reports whether the region got huge-page backing.
func (r *Region) HugePageBacked() bool { return r.huge }

// Size returns the mapped length in bytes.
func (r *Region) Size() uint64 { return uint64(len(r.buf)) }

// Free unmaps the region and releases its name.
func (r *Region) Free() error {
	regMu.Lock()
	delete(regions, r.name)
	regMu.Unlock()

	if err := unix.Munmap(r.buf); err != nil {
		return fmt.Errorf("shm: munmap %q: %w", r.name, err)
	}
	r.buf = nil
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			return fmt.Errorf("shm: close %q: %w", r.name, err)
		}
		r.fd = -1
	}
	return nil
}

func roundUp(v, to uint64) uint64 {
	return (v + to - 1) / to * to
}
