//go:build !linux || !cgo

package rdma

import "fmt"

// NewCGOProvider is unavailable on this platform/build: the spectrum reader
// requires librdmacm/libibverbs, which this binary was not built against.
func NewCGOProvider() (Provider, error) {
	return nil, fmt.Errorf("rdma: cgo RDMA provider unavailable (build without cgo or on a non-Linux target)")
}
