// Package memprovider is an in-process stand-in for a mapped shared
// memory region, used by tests that need a region.Provider without a
// filesystem or a real consumer process on the other end.
package memprovider

import "fbproducer/internal/region"

// Provider hands out a single plain byte slice per Map call. It never
// fails, which makes FAIL_MAP scenarios the responsibility of the
// Failing wrapper below.
type Provider struct{}

// New returns a Provider backed by ordinary Go memory.
func New() *Provider {
	return &Provider{}
}

func (p *Provider) Map(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (p *Provider) Unmap(b []byte) error {
	return nil
}

// Failing wraps another Provider and fails the next N Map calls with
// region.ErrMap, letting tests exercise the producer's FAIL_MAP path
// deterministically.
type Failing struct {
	Inner   region.Provider
	Remaining int
}

func (f *Failing) Map(size int) ([]byte, error) {
	if f.Remaining > 0 {
		f.Remaining--
		return nil, region.ErrMap
	}
	return f.Inner.Map(size)
}

func (f *Failing) Unmap(b []byte) error {
	return f.Inner.Unmap(b)
}
