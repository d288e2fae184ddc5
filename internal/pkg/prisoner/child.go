// Package prisoner spawns the confined program under a controlling PTY,
// performs its privilege-reduction transition, and bridges its stdio to the
// external FIFO pair (spec.md §4.3).
package prisoner

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/capabilities"
	"github.com/t-kenji/alctrz/internal/pkg/fsutil"
	"github.com/t-kenji/alctrz/internal/pkg/log"
)

// ChildEnvVar names the environment variable the re-exec'd prisoner stage
// reads its transition parameters from (a path to a one-shot JSON file).
// Go's runtime starts background OS threads (sysmon, GC workers) before
// main() runs, so syscall.Setuid-style credential drops are only reliably
// single-threaded immediately after a fresh execve — hence the self-reexec:
// the only safe place to run our own ordered chroot/capability/uid sequence
// is the very top of a freshly exec'd process image, before any goroutine
// has had a chance to spin up another thread.
const ChildEnvVar = "ALCTRZ_CHILD"

// ChildConfig is the serialized form of everything the re-exec'd stage
// needs to complete spec.md §4.3 steps 1-8.
type ChildConfig struct {
	MountPoint      string            `json:"mount_point"`
	UID             int               `json:"uid"`
	GID             int               `json:"gid"`
	Home            string            `json:"home"`
	Shell           string            `json:"shell"`
	User            string            `json:"user"`
	Term            string            `json:"term"`
	Environment     map[string]string `json:"environment"`
	KeepCapability  uint64            `json:"keep_capability"`
	Argv            []string          `json:"argv"`
}

// IsChildReexec reports whether the running process is the re-exec'd
// prisoner stage rather than the original supervisor.
func IsChildReexec() bool {
	return os.Getenv(ChildEnvVar) != ""
}

// RunChild performs the child transition and never returns on success: it
// ends in execve. Any failure before exec exits the process with code 2,
// per spec.md §4.3.
func RunChild() {
	runtime.LockOSThread()

	path := os.Getenv(ChildEnvVar)
	cfg, err := readChildConfig(path)
	if err != nil {
		log.Errorf("prisoner: read child config: %v", err)
		os.Exit(2)
	}
	_ = os.Remove(path)

	if err := transition(cfg); err != nil {
		log.Errorf("prisoner: child transition: %v", err)
		os.Exit(2)
	}
	// transition only returns on execve failure.
}

func readChildConfig(path string) (*ChildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ChildConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// transition runs spec.md §4.3 steps 1-8 in order. Each numbered step is
// fatal (returns an error, which RunChild turns into exit code 2) except
// where the spec explicitly tolerates a failure.
func transition(cfg *ChildConfig) error {
	// 1. chroot(mount_point)
	if err := unix.Chroot(cfg.MountPoint); err != nil {
		return fmt.Errorf("chroot %s: %w", cfg.MountPoint, err)
	}

	// 2. environment reset: clear, set defaults only if unset, overlay
	// configured values, then re-read HOME/SHELL/USER/TERM back out.
	os.Clearenv()
	setDefault("HOME", cfg.Home)
	setDefault("SHELL", cfg.Shell)
	setDefault("USER", cfg.User)
	setDefault("TERM", cfg.Term)
	for k, v := range cfg.Environment {
		os.Setenv(k, v)
	}
	cfg.Home = os.Getenv("HOME")
	cfg.Shell = os.Getenv("SHELL")
	cfg.User = os.Getenv("USER")
	cfg.Term = os.Getenv("TERM")

	// 3. chdir("/")
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	// 4. recursive mkdir of the prisoner's home inside the jail, while we
	// still have the privilege to chown it to the prisoner.
	if err := fsutil.MkdirAllOwned(cfg.Home, 0o755, cfg.UID, cfg.GID, false); err != nil {
		return fmt.Errorf("mkdir home %s: %w", cfg.Home, err)
	}

	// 5. capability reduction: bounding-set drop / ambient raise / securebits lock.
	if err := capabilities.Drop(cfg.KeepCapability); err != nil {
		return fmt.Errorf("drop capabilities: %w", err)
	}

	// 6. setgid, setgroups, setuid
	if err := unix.Setgid(cfg.GID); err != nil {
		return fmt.Errorf("setgid %d: %w", cfg.GID, err)
	}
	if err := unix.Setgroups([]int{cfg.GID}); err != nil {
		return fmt.Errorf("setgroups [%d]: %w", cfg.GID, err)
	}
	if err := unix.Setuid(cfg.UID); err != nil {
		return fmt.Errorf("setuid %d: %w", cfg.UID, err)
	}

	// 7. chdir(home_path)
	if err := unix.Chdir(cfg.Home); err != nil {
		return fmt.Errorf("chdir %s: %w", cfg.Home, err)
	}

	// 8. execve(argv[0], argv)
	if len(cfg.Argv) == 0 {
		return fmt.Errorf("empty argv")
	}
	env := os.Environ()
	if err := syscall.Exec(cfg.Argv[0], cfg.Argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", cfg.Argv[0], err)
	}
	return nil
}

func setDefault(key, value string) {
	if os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
