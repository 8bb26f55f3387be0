// Package shmfile maps a POSIX shared-memory file under /dev/shm as a
// region.Provider, the same mechanism used by the AlephTX feeder and the
// rdk-x5 camera reader: shm_open-equivalent open+truncate, then mmap.
// Go's os.OpenFile against /dev/shm plays the role of shm_open here,
// since /dev/shm is a tmpfs and Linux doesn't expose a separate syscall
// for it.
package shmfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Provider maps a single named file under /dev/shm. Name should be a
// bare filename (no slashes); the guest consumer opens the same path.
type Provider struct {
	Name string

	f    *os.File
	path string
}

// New returns a Provider that will map /dev/shm/name on the next Map
// call.
func New(name string) *Provider {
	return &Provider{Name: name, path: "/dev/shm/" + name}
}

// Path returns the filesystem path a guest-side consumer would open.
func (p *Provider) Path() string {
	return p.path
}

func (p *Provider) Map(size int) ([]byte, error) {
	f, err := os.OpenFile(p.path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, fmt.Errorf("shmfile: open %s: %w", p.path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shmfile: truncate %s to %d: %w", p.path, size, err)
	}

	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shmfile: mmap %s: %w", p.path, err)
	}

	p.f = f
	return b, nil
}

func (p *Provider) Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("shmfile: munmap %s: %w", p.path, err)
	}
	if p.f != nil {
		err := p.f.Close()
		p.f = nil
		if err != nil {
			return fmt.Errorf("shmfile: close %s: %w", p.path, err)
		}
	}
	return nil
}

// Remove unlinks the backing file. Callers typically defer this after a
// successful New, mirroring shm_unlink semantics: the mapping stays
// valid for any process that already has it mapped, but no new opener
// can find the name.
func (p *Provider) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("shmfile: remove %s: %w", p.path, err)
	}
	return nil
}
