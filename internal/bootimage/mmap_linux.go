//go:build linux

package bootimage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenSharedImage maps f's contents read-only and decodes a boot image
// from the mapping, returning a function to unmap the pages once the
// caller is done with it. f is a descriptor the platform already holds
// onto the shared-memory region carrying the image; this package never
// opens the file itself.
func OpenSharedImage(f *os.File) (*Image, func() error, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("bootimage: stat shared image: %w", err)
	}
	if info.Size() == 0 {
		return nil, nil, fmt.Errorf("bootimage: shared image %q is empty", f.Name())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("bootimage: mmap shared image: %w", err)
	}

	img, err := Decode(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, nil, err
	}

	closed := false
	unmap := func() error {
		if closed {
			return nil
		}
		closed = true
		return unix.Munmap(data)
	}
	return img, unmap, nil
}
