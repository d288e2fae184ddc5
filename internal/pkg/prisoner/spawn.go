package prisoner

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/t-kenji/alctrz/internal/pkg/jail"
)

// Spawned holds the handles the parent keeps after a successful Spawn: the
// PTY master end and the running exec.Cmd for the re-exec'd prisoner.
type Spawned struct {
	Master *os.File
	Cmd    *exec.Cmd
}

// Spawn allocates a controlling PTY and re-execs this binary as the
// prisoner stage, passing it cfg via a one-shot JSON file named by
// ChildEnvVar. setsid/setctty are applied by the Go runtime's fork/exec
// trampoline via SysProcAttr, before the re-exec'd binary starts; the
// chroot/capability/uid sequence in child.go runs afterwards, at the top of
// that freshly exec'd process.
func Spawn(ctx *jail.Context, keepCapBitmap uint64) (*Spawned, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}

	if rows, cols, err := pty.Getsize(os.Stdin); err == nil {
		_ = pty.Setsize(master, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	}

	cfg := ChildConfig{
		MountPoint:     ctx.MountPoint,
		UID:            ctx.User.UID,
		GID:            ctx.User.GID,
		Home:           ctx.Home,
		Shell:          ctx.Shell,
		User:           ctx.User.Name,
		Term:           ctx.Term,
		KeepCapability: keepCapBitmap,
		Argv:           ctx.Argv,
	}
	if ctx.Env != nil {
		cfg.Environment = ctx.Env.Environment
	}

	cfgFile, err := os.CreateTemp("", "alctrz-child-*.json")
	if err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("create child config: %w", err)
	}
	cfgPath := cfgFile.Name()
	if err := json.NewEncoder(cfgFile).Encode(&cfg); err != nil {
		cfgFile.Close()
		os.Remove(cfgPath)
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("write child config: %w", err)
	}
	cfgFile.Close()

	exe, err := os.Executable()
	if err != nil {
		exe = "/proc/self/exe"
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), ChildEnvVar+"="+cfgPath)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		// Ctty is a fd number in the child's own descriptor table, not the
		// parent's slave.Fd(): cmd.Stdin=slave dups the slave onto the
		// child's fd 0, so the TIOCSCTTY target is 0.
		Ctty: 0,
	}

	if err := cmd.Start(); err != nil {
		os.Remove(cfgPath)
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("start prisoner: %w", err)
	}

	_ = slave.Close()
	ctx.PID = cmd.Process.Pid

	return &Spawned{Master: master, Cmd: cmd}, nil
}
