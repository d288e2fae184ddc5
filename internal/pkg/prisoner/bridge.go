package prisoner

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/fsutil"
	"github.com/t-kenji/alctrz/internal/pkg/ioloop"
	"github.com/t-kenji/alctrz/internal/pkg/log"
)

const bridgeBufSize = 65536

// fdHandler drains readFd edge-triggered into writeFd, until EAGAIN, per
// spec.md §5 ("edge-triggered means each readable FD must be drained"),
// resolving §9 item 5 in favor of draining rather than a single read.
type fdHandler struct {
	name    string
	readFd  int
	writeFd int
}

func (h fdHandler) HandleEvent(events uint32) (ioloop.Decision, error) {
	buf := make([]byte, bridgeBufSize)
	for {
		n, err := unix.Read(h.readFd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				return ioloop.Continue, nil
			}
			if err == unix.EINTR {
				continue
			}
			return ioloop.Stop, fmt.Errorf("%s: read: %w", h.name, err)
		}
		if n == 0 {
			return ioloop.Stop, nil
		}
		if err := writeAll(h.writeFd, buf[:n]); err != nil {
			return ioloop.Stop, fmt.Errorf("%s: write: %w", h.name, err)
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

// sigchldHandler stops the loop the moment a SIGCHLD is observed on the
// signalfd; the caller reaps the child with waitpid afterward.
type sigchldHandler struct {
	fd int
}

func (h sigchldHandler) HandleEvent(events uint32) (ioloop.Decision, error) {
	buf := make([]byte, unix.SizeofSignalfdSiginfo)
	_, _ = unix.Read(h.fd, buf)
	return ioloop.Stop, nil
}

// newSignalFd blocks SIGCHLD on the calling thread and routes it to a new
// signalfd instead, per spec.md §5's blocking discipline. It returns the
// fd and a restore function that unblocks the signal again; callers must
// call restore on every exit path (§9 item 6: the original never restores
// the mask before close, which this implementation corrects as directed).
func newSignalFd() (fd int, restore func(), err error) {
	var set unix.Sigset_t
	sigaddset(&set, unix.SIGCHLD)

	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, nil); err != nil {
		return -1, nil, fmt.Errorf("sigprocmask block: %w", err)
	}

	sfd, err := unix.Signalfd(-1, &set, unix.SFD_CLOEXEC)
	if err != nil {
		_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
		return -1, nil, fmt.Errorf("signalfd: %w", err)
	}

	restore = func() {
		_ = unix.Close(sfd)
		_ = unix.PthreadSigmask(unix.SIG_UNBLOCK, &set, nil)
	}
	return sfd, restore, nil
}

// sigaddset sets sig's bit directly in set.Val, since x/sys/unix does not
// expose a portable SigsetAdd across all generated versions. unix.Sigset_t
// on linux is a 16x64-bit word array indexed the same way the kernel's
// sigsetops macros index it: bit (sig-1) overall.
func sigaddset(set *unix.Sigset_t, sig syscall.Signal) {
	bit := uint(sig) - 1
	set.Val[bit/64] |= 1 << (bit % 64)
}

// Bridge runs the parent-side I/O bridge between the PTY master and the two
// external stdio FIFOs (spec.md §4.3 "Parent I/O bridge"): stdin FIFO ->
// PTY master, PTY master -> stdout FIFO, terminating on SIGCHLD.
func Bridge(masterFd int, stdinPath, stdoutPath string) error {
	stdout, err := os.OpenFile(stdoutPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", stdoutPath, err)
	}
	defer stdout.Close()

	if err := fsutil.SetBlocking(masterFd, false); err != nil {
		return fmt.Errorf("set pty master non-blocking: %w", err)
	}

	stdin, err := os.OpenFile(stdinPath, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", stdinPath, err)
	}
	defer stdin.Close()

	sigfd, restore, err := newSignalFd()
	if err != nil {
		return err
	}
	defer restore()

	loop, err := ioloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	if err := loop.Add(int(stdin.Fd()), unix.EPOLLIN, fdHandler{"stdin->pty", int(stdin.Fd()), masterFd}); err != nil {
		return err
	}
	if err := loop.Add(masterFd, unix.EPOLLIN, fdHandler{"pty->stdout", masterFd, int(stdout.Fd())}); err != nil {
		return err
	}
	if err := loop.Add(sigfd, unix.EPOLLIN, sigchldHandler{sigfd}); err != nil {
		return err
	}

	if err := loop.Run(); err != nil {
		log.Debugf("prisoner: bridge loop ended: %v", err)
	}
	return nil
}
