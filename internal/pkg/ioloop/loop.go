// Package ioloop implements the single-threaded, edge-triggered epoll event
// loop shared by the prisoner supervisor's I/O bridge and the operator
// visitation loop.
package ioloop

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/t-kenji/alctrz/internal/pkg/log"
)

// Handler reacts to readiness on a watched file descriptor. It returns
// Continue to keep the loop running or Stop to end it (e.g. on detach or
// on prisoner exit).
type Handler interface {
	HandleEvent(events uint32) (Decision, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(events uint32) (Decision, error)

func (f HandlerFunc) HandleEvent(events uint32) (Decision, error) { return f(events) }

// Decision is the outcome of a Handler invocation.
type Decision int

const (
	// Continue keeps the loop running.
	Continue Decision = iota
	// Stop ends the loop cleanly.
	Stop
)

const maxEvents = 16

// Loop is a minimal epoll-based multiplexer. Every watched fd is
// edge-triggered; callers' Handlers are expected to drain their fd until
// EAGAIN, which Loop itself does not attempt on their behalf.
type Loop struct {
	epfd     int
	handlers map[int32]Handler
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{epfd: epfd, handlers: make(map[int32]Handler)}, nil
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Add registers fd for edge-triggered readiness on events, dispatching to h.
func (l *Loop) Add(fd int, events uint32, h Handler) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(add, %d): %w", fd, err)
	}
	l.handlers[int32(fd)] = h
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was never
// added or that the kernel already dropped (e.g. because it was closed).
func (l *Loop) Remove(fd int) {
	ev := unix.EpollEvent{}
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
	delete(l.handlers, int32(fd))
}

// Run blocks in epoll_wait(-1) until a Handler returns Stop or an error
// propagates out of a handler.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			fd := events[i].Fd
			h, ok := l.handlers[fd]
			if !ok {
				continue
			}
			decision, err := h.HandleEvent(events[i].Events)
			if err != nil {
				log.Debugf("ioloop: handler for fd %d returned error: %v", fd, err)
				return err
			}
			if decision == Stop {
				return nil
			}
		}
	}
}
