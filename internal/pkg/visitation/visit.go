// Package visitation implements the operator side of a visit: pipe the
// controlling terminal to the jail's stdio FIFO pair in raw mode, the same
// way apptainer's oci attach pipes a local terminal to a running
// container's attach socket (spec.md §4.4), but over the single-threaded
// edge-triggered epoll loop spec.md §5 mandates for both the supervisor's
// bridge and this loop rather than a goroutine-pair/io.Copy shape.
package visitation

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/t-kenji/alctrz/internal/pkg/fsutil"
	"github.com/t-kenji/alctrz/internal/pkg/ioloop"
)

// detachByte is the leading Ctrl-D that ends a visit without touching the
// prisoner (spec.md §4.4: "a visitor types Ctrl-D to detach").
const detachByte = 0x04

const visitBufSize = 65536

// Visit opens the stdin/stdout FIFOs and bridges them with the calling
// process's own stdin/stdout until the prisoner's stdout FIFO hits EOF, the
// host stdin hits EOF, a read or write fails, or the operator sends a
// leading Ctrl-D. The terminal is put into raw
// mode for the duration and always restored before Visit returns.
func Visit(stdinPath, stdoutPath string) error {
	fd := int(os.Stdin.Fd())
	isTerm := term.IsTerminal(fd)

	var oldState *term.State
	if isTerm {
		var err error
		oldState, err = term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	// Opened read/write on our end (spec.md §4.3: "Opens stdin FIFO
	// read/write"), so this open never blocks waiting for the prisoner
	// side's reader: the supervisor's bridge also opens the stdout FIFO
	// write side as its first syscall, and two blocking O_WRONLY opens on
	// opposite FIFOs would deadlock each other forever.
	toJail, err := os.OpenFile(stdinPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", stdinPath, err)
	}
	defer toJail.Close()

	fromJail, err := os.OpenFile(stdoutPath, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", stdoutPath, err)
	}
	defer fromJail.Close()

	if err := fsutil.SetBlocking(fd, false); err != nil {
		return fmt.Errorf("set host stdin non-blocking: %w", err)
	}

	loop, err := ioloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	var detached bool
	hostIn := hostStdinHandler{readFd: fd, writeFd: int(toJail.Fd()), detached: &detached}
	jailOut := fdCopyHandler{readFd: int(fromJail.Fd()), writeFd: int(os.Stdout.Fd())}

	if err := loop.Add(fd, unix.EPOLLIN, hostIn); err != nil {
		return err
	}
	if err := loop.Add(int(fromJail.Fd()), unix.EPOLLIN, jailOut); err != nil {
		return err
	}

	if err := loop.Run(); err != nil {
		return err
	}

	if detached {
		fmt.Print("\r\n^D (detached)\r\n")
	}
	return nil
}

// hostStdinHandler forwards host stdin to the jail's stdin FIFO, stopping
// the loop the instant a read's first byte is Ctrl-D (spec.md §4.3: "if the
// read buffer begins with 0x04 (Ctrl-D)... terminates the loop"). It never
// signals detach on its own EOF/error, only on the sentinel byte.
type hostStdinHandler struct {
	readFd   int
	writeFd  int
	detached *bool
}

func (h hostStdinHandler) HandleEvent(events uint32) (ioloop.Decision, error) {
	buf := make([]byte, visitBufSize)
	for {
		n, err := unix.Read(h.readFd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return ioloop.Continue, nil
			}
			if err == unix.EINTR {
				continue
			}
			return ioloop.Stop, nil
		}
		if n == 0 {
			return ioloop.Stop, nil
		}
		if buf[0] == detachByte {
			*h.detached = true
			return ioloop.Stop, nil
		}
		if err := writeAll(h.writeFd, buf[:n]); err != nil {
			return ioloop.Stop, nil
		}
	}
}

// fdCopyHandler drains readFd into writeFd until EAGAIN, stopping the loop
// on EOF (the prisoner's side of the FIFO closed) without signalling detach.
type fdCopyHandler struct {
	readFd  int
	writeFd int
}

func (h fdCopyHandler) HandleEvent(events uint32) (ioloop.Decision, error) {
	buf := make([]byte, visitBufSize)
	for {
		n, err := unix.Read(h.readFd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return ioloop.Continue, nil
			}
			if err == unix.EINTR {
				continue
			}
			return ioloop.Stop, nil
		}
		if n == 0 {
			return ioloop.Stop, nil
		}
		if err := writeAll(h.writeFd, buf[:n]); err != nil {
			return ioloop.Stop, nil
		}
	}
}

func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}
