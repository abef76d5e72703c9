//go:build !linux

package diskmgr

import "github.com/pkg/errors"

// NewDirectDiskManager is only implemented on linux, where ncw/directio's
// O_DIRECT support is available; elsewhere kernel.Config.UseDirectIO must
// stay false.
func NewDirectDiskManager(filePath string) (DiskManager, error) {
	return nil, errors.New("diskmgr: direct I/O disk manager is only supported on linux")
}
