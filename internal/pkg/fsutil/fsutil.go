// Package fsutil implements the path-safe primitives the jail builder is
// layered on: recursive owned directory creation, touch-with-mkpath, owned
// device-node creation, and non-blocking fd toggling.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// defaultDirPerm is the permission intermediates are created with,
// regardless of the permission the caller asked for the leaf.
const defaultDirPerm = 0o755

// defaultFilePerm is the "repository default" file permission used by
// TouchWithMkpath. It is 0755 rather than the more usual 0644 for a plain
// empty file; this is inherited verbatim from the original implementation
// (see DESIGN.md, "Open Question resolutions" item 3) and preserved rather
// than "fixed".
const defaultFilePerm = 0o755

// pathMax mirrors the platform PATH_MAX (Linux: 4096, including NUL).
const pathMax = 4096

// MkdirAllOwned walks path from root, creating each missing intermediate
// directory at defaultDirPerm and chowning it to (uid, gid). If pathOnly is
// false the terminal component is also created, at mode instead of
// defaultDirPerm. EEXIST on any component, intermediate or leaf, is treated
// as success. This mirrors the non-atomic "leaves partial state on failure"
// behavior described in spec.md §4.1.
func MkdirAllOwned(path string, mode os.FileMode, uid, gid int, pathOnly bool) error {
	if len(path) > pathMax {
		return fmt.Errorf("mkdir %s: %w", path, unix.ENAMETOOLONG)
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return fmt.Errorf("mkdir %s: path must be absolute", path)
	}

	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	cur := ""
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		cur += "/" + seg
		isLeaf := i == len(segments)-1
		if isLeaf && pathOnly {
			// The terminal component is the thing the caller wants to
			// create themselves (e.g. a file); stop one short of it.
			break
		}
		perm := os.FileMode(defaultDirPerm)
		if isLeaf {
			perm = mode
		}
		if err := mkdirOwned(cur, perm, uid, gid); err != nil {
			return err
		}
	}
	return nil
}

func mkdirOwned(path string, perm os.FileMode, uid, gid int) error {
	if err := os.Mkdir(path, perm); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

// TouchWithMkpath ensures every parent directory of path exists (as
// MkdirAllOwned(path, _, uid, gid, pathOnly=true) would), then creates path
// itself as an empty file at defaultFilePerm and chowns it to (uid, gid).
// Pre-existing files at path are tolerated.
func TouchWithMkpath(path string, uid, gid int) error {
	if err := MkdirAllOwned(path, 0, uid, gid, true); err != nil {
		return err
	}
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT, defaultFilePerm)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

// NodeType selects the device type mknod creates. Per spec.md §4.2/§9 item
// 2, anything other than the literal string "char" degrades to a regular
// file node — block devices cannot be declared. This is preserved as-is.
type NodeType string

const (
	NodeChar NodeType = "char"
	NodeReg  NodeType = "reg"
)

// ParseNodeType maps a configuration string to a NodeType using the same
// "char or anything else is regular" rule as the original.
func ParseNodeType(s string) NodeType {
	if s == string(NodeChar) {
		return NodeChar
	}
	return NodeReg
}

// MknodOwned creates a device or regular node at path with the given
// type/major/minor/perm and chowns it to (uid, gid). Intermediate
// directories must already exist; callers create them via MkdirAllOwned.
func MknodOwned(path string, typ NodeType, major, minor uint32, perm os.FileMode, uid, gid int) error {
	if major == 0 {
		return fmt.Errorf("mknod %s: %w", path, unix.EINVAL)
	}
	mode := uint32(perm.Perm())
	switch typ {
	case NodeChar:
		mode |= unix.S_IFCHR
	default:
		mode |= unix.S_IFREG
	}
	dev := unix.Mkdev(major, minor)
	if err := unix.Mknod(path, mode, int(dev)); err != nil && err != unix.EEXIST {
		return fmt.Errorf("mknod %s: %w", path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}

// SetBlocking toggles O_NONBLOCK on fd via fcntl(F_GETFL/F_SETFL).
func SetBlocking(fd int, blocking bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return fmt.Errorf("fcntl(F_GETFL, %d): %w", fd, err)
	}
	if blocking {
		flags &^= unix.O_NONBLOCK
	} else {
		flags |= unix.O_NONBLOCK
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
		return fmt.Errorf("fcntl(F_SETFL, %d): %w", fd, err)
	}
	return nil
}
