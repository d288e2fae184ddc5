package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/fsutil"
	"github.com/t-kenji/alctrz/internal/pkg/log"
)

// stdioScheme is the only URI scheme CreateStdio accepts. The template's
// "%d" placeholder collides with URL percent-encoding, so the URI is split
// on its scheme prefix by hand rather than parsed with net/url.
const stdioScheme = "fifo://"

// CreateJail generates a unique scratch directory from ctx.MountPoint
// (which must end in "XXXXXX") and mounts a fresh, size-capped tmpfs on it,
// owned by the prisoner. Both steps are fatal on failure (spec.md §4.2).
func CreateJail(ctx *Context) error {
	const suffix = "XXXXXX"
	if !strings.HasSuffix(ctx.MountPoint, suffix) {
		return fmt.Errorf("mount point template %q must end in %s", ctx.MountPoint, suffix)
	}
	prefix := strings.TrimSuffix(ctx.MountPoint, suffix)

	dir, err := os.MkdirTemp(filepath.Dir(prefix), filepath.Base(prefix)+"*")
	if err != nil {
		return fmt.Errorf("mkdtemp %s: %w", ctx.MountPoint, err)
	}

	opts := fmt.Sprintf("size=96m,uid=%d,gid=%d,mode=700", ctx.User.UID, ctx.User.GID)
	if err := unix.Mount("none", dir, "tmpfs", 0, opts); err != nil {
		_ = os.Remove(dir)
		return fmt.Errorf("mount tmpfs on %s: %w", dir, err)
	}

	ctx.MountPoint = dir
	return nil
}

// BuildRootfs dispatches to the sub-builders in the fixed order spec.md
// §4.2 names: kernel filesystems, directories, devices, binds. Per-item
// failures inside a sub-builder are logged and skipped; only a
// type-mismatch in the top-level config (already ruled out by ParseConfig's
// static schema) would abort the whole build.
func BuildRootfs(ctx *Context) error {
	cfg := ctx.Env
	if cfg == nil {
		return fmt.Errorf("build rootfs: no configuration loaded")
	}

	buildKernelFilesystems(ctx, cfg.Filesystem)
	buildDirectories(ctx, cfg.Directory)
	buildDevices(ctx, cfg.Device)
	buildBinds(ctx, cfg.Bind)

	return nil
}

func buildKernelFilesystems(ctx *Context, fsCfg FilesystemConfig) {
	type kfs struct {
		enabled bool
		path    string
		fstype  string
	}
	for _, k := range []kfs{
		{fsCfg.Devtmpfs, "/dev", "devtmpfs"},
		{fsCfg.Procfs, "/proc", "proc"},
		{fsCfg.Sysfs, "/sys", "sysfs"},
	} {
		if !k.enabled {
			continue
		}
		target := filepath.Join(ctx.MountPoint, k.path)
		if err := fsutil.MkdirAllOwned(target, 0o755, ctx.User.UID, ctx.User.GID, false); err != nil {
			log.Warnf("jail: mkdir %s: %v", target, err)
			continue
		}
		if err := unix.Mount("none", target, k.fstype, 0, ""); err != nil {
			log.Warnf("jail: mount %s (%s): %v", target, k.fstype, err)
		}
	}
}

func buildDirectories(ctx *Context, dirs []string) {
	for _, d := range dirs {
		target := filepath.Join(ctx.MountPoint, d)
		if err := fsutil.MkdirAllOwned(target, 0o755, ctx.User.UID, ctx.User.GID, false); err != nil {
			log.Warnf("jail: directory %s: %v", d, err)
		}
	}
}

func buildDevices(ctx *Context, devices []Device) {
	for _, d := range devices {
		target := filepath.Join(ctx.MountPoint, d.Pathname)
		if err := fsutil.MkdirAllOwned(target, 0, ctx.User.UID, ctx.User.GID, true); err != nil {
			log.Warnf("jail: device %s mkpath: %v", d.Pathname, err)
			continue
		}
		typ := fsutil.ParseNodeType(d.Type)
		if err := fsutil.MknodOwned(target, typ, d.Major, d.Minor, os.FileMode(d.Perm), ctx.User.UID, ctx.User.GID); err != nil {
			log.Warnf("jail: mknod %s: %v", d.Pathname, err)
		}
	}
}

func buildBinds(ctx *Context, binds []Bind) {
	for _, b := range binds {
		target := filepath.Join(ctx.MountPoint, b.Target)

		info, err := os.Stat(b.Source)
		if err != nil {
			log.Warnf("jail: bind source %s: %v", b.Source, err)
			continue
		}
		if info.IsDir() {
			err = fsutil.MkdirAllOwned(target, 0o755, ctx.User.UID, ctx.User.GID, false)
		} else {
			err = fsutil.TouchWithMkpath(target, ctx.User.UID, ctx.User.GID)
		}
		if err != nil {
			log.Warnf("jail: bind target %s: %v", b.Target, err)
			continue
		}

		flags := uintptr(unix.MS_BIND)
		if b.Mode == BindRO {
			flags |= unix.MS_RDONLY
		}
		if err := unix.Mount(b.Source, target, "", flags, ""); err != nil {
			log.Warnf("jail: bind mount %s -> %s: %v", b.Source, target, err)
			continue
		}
		ctx.BindEntries = append(ctx.BindEntries, target)
	}
}

// CreateStdio instantiates the stdio FIFO pair from ctx.Env.Stdio, a
// "fifo://<path-with-one-%d-slot>" URI (spec.md §4.2). Pre-existing FIFOs
// are tolerated.
func CreateStdio(ctx *Context) (stdinPath, stdoutPath string, err error) {
	cfg := ctx.Env
	if cfg == nil {
		return "", "", fmt.Errorf("create stdio: no configuration loaded")
	}

	if !strings.HasPrefix(cfg.Stdio, stdioScheme) {
		scheme := cfg.Stdio
		if idx := strings.Index(cfg.Stdio, "://"); idx >= 0 {
			scheme = cfg.Stdio[:idx]
		}
		return "", "", fmt.Errorf("stdio uri %q: unsupported scheme %q", cfg.Stdio, scheme)
	}
	template := strings.TrimPrefix(cfg.Stdio, stdioScheme)
	if strings.Count(template, "%d") != 1 {
		return "", "", fmt.Errorf("stdio template %q must contain exactly one %%d slot", template)
	}
	if !strings.HasPrefix(template, "/") {
		template = "/" + template
	}

	ctx.StdioTemplate = template
	stdinPath = fmt.Sprintf(template, 0)
	stdoutPath = fmt.Sprintf(template, 1)

	for _, p := range []string{stdinPath, stdoutPath} {
		if err := unix.Mkfifo(p, 0o777); err != nil && err != unix.EEXIST {
			return "", "", fmt.Errorf("mkfifo %s: %w", p, err)
		}
		if err := os.Chown(p, ctx.User.UID, ctx.User.GID); err != nil {
			return "", "", fmt.Errorf("chown %s: %w", p, err)
		}
	}
	return stdinPath, stdoutPath, nil
}

// StdioPaths instantiates the stdio path pair from an already-known
// template without creating the FIFOs, for the attach-only path (spec.md
// §9 item 7: attach requires the FIFOs to already exist).
func StdioPaths(template string) (stdinPath, stdoutPath string) {
	return fmt.Sprintf(template, 0), fmt.Sprintf(template, 1)
}
