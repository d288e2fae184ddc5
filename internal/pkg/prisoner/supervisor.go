package prisoner

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/jail"
	"github.com/t-kenji/alctrz/internal/pkg/log"
)

// Run spawns the prisoner under a PTY, bridges its stdio through the FIFO
// pair until it exits, reaps it, and writes a one-line exit summary onto
// the stdout FIFO (spec.md §4.3). It does not run jail.Cleanup; the caller
// does that once Run returns, win or lose.
func Run(ctx *jail.Context, keepCapBitmap uint64, stdinPath, stdoutPath string) error {
	spawned, err := Spawn(ctx, keepCapBitmap)
	if err != nil {
		return fmt.Errorf("spawn prisoner: %w", err)
	}
	master := spawned.Master
	defer master.Close()

	if err := Bridge(int(master.Fd()), stdinPath, stdoutPath); err != nil {
		log.Warnf("prisoner: bridge: %v", err)
	}

	state, err := reap(spawned.Cmd.Process.Pid)
	if err != nil {
		log.Warnf("prisoner: reap: %v", err)
	}

	summarize(stdoutPath, state)
	return nil
}

func reap(pid int) (unix.WaitStatus, error) {
	_ = unix.Kill(pid, unix.SIGTERM)

	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if err == unix.EINTR {
			continue
		}
		return status, err
	}
}

func summarize(stdoutPath string, status unix.WaitStatus) {
	var line string
	switch {
	case status.Exited():
		line = fmt.Sprintf("\r\n[prisoner exited, status=%d]\r\n", status.ExitStatus())
	case status.Signaled():
		line = fmt.Sprintf("\r\n[prisoner killed by signal %s]\r\n", status.Signal())
	default:
		line = "\r\n[prisoner terminated]\r\n"
	}

	out, err := os.OpenFile(stdoutPath, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		log.Debugf("prisoner: summary: open %s: %v", stdoutPath, err)
		return
	}
	defer out.Close()
	_, _ = out.WriteString(line)
}
