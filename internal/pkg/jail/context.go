// Package jail builds and tears down the chroot jail: scratch tmpfs,
// kernel filesystems, declared directories/devices/binds, and the stdio
// FIFO pair, per spec.md §3–§4.2.
package jail

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/identity"
)

// bufSizeLimit mirrors the original's BUFSIZ-1 cap on configuration file
// size (spec.md §8 boundary behavior); deliberately small, preserved as-is.
const bufSizeLimit = 8191

// Context aggregates the entire run, as spec.md §3 describes. It is
// allocated at startup, mutated through argument parsing / config load /
// user lookup / stdio setup, and freed at exit after Cleanup.
type Context struct {
	User identity.User

	Home  string
	Shell string
	Term  string

	Argv []string
	PID  int

	StdioTemplate string

	MountPoint string
	Env        *Config

	BindEntries []string

	Attach bool
}

// New returns a Context initialized with the host's own uid/gid and the
// defaults spec.md §3 names (mount point template, default shell).
func New() *Context {
	return &Context{
		User: identity.User{
			UID: os.Getuid(),
			GID: os.Getgid(),
		},
		Home:       "/",
		Shell:      "/bin/sh",
		MountPoint: "/tmp/chroot-XXXXXX",
	}
}

// LoadConfig reads and parses the jail configuration file at path, enforcing
// the BUFSIZ-1 size cap (spec.md §8: "Config file larger than BUFSIZ-1 bytes:
// load fails with EFBIG").
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	data := make([]byte, bufSizeLimit+1)
	n, err := io.ReadFull(f, data)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if n > bufSizeLimit {
		return nil, fmt.Errorf("config %s: %w", path, unix.EFBIG)
	}
	return ParseConfig(data[:n])
}
