package jail

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/log"
)

// Cleanup tears down a jail (spec.md §4.4): unmount every bind entry in
// insertion order, then the outer tmpfs, then rmdir the mount point, then
// unlink both stdio FIFOs. Every step logs on
// failure but none abort the rest, mirroring apptainer's own reverse-order
// umount() in cleanup_linux.go (lazy MNT_DETACH fallback instead of
// apptainer's EBUSY retry loop, since a jail teardown has no concurrent
// mount activity to wait out).
func Cleanup(ctx *Context, stdinPath, stdoutPath string) {
	for _, entry := range ctx.BindEntries {
		if err := unix.Unmount(entry, unix.MNT_DETACH); err != nil {
			log.Warnf("cleanup: unmount %s: %v", entry, err)
		}
	}
	ctx.BindEntries = nil

	if ctx.MountPoint != "" {
		if err := unix.Unmount(ctx.MountPoint, unix.MNT_DETACH); err != nil {
			log.Warnf("cleanup: unmount %s: %v", ctx.MountPoint, err)
		}
		if err := os.Remove(ctx.MountPoint); err != nil {
			log.Warnf("cleanup: rmdir %s: %v", ctx.MountPoint, err)
		}
		ctx.MountPoint = ""
	}

	for _, p := range []string{stdinPath, stdoutPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Warnf("cleanup: unlink %s: %v", p, err)
		}
	}
}
