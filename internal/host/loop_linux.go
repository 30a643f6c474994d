//go:build linux

// Package host drives the single-threaded cores from one OS event loop:
// a timerfd per tick source and epoll across the PHY and any other
// descriptors. Every registered function runs on the Run goroutine, which
// provides the serialization the MAC and MQTT-SN engines require.
package host

import (
	"context"
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	tinyhan "github.com/tinyhan/go-tinyhan"
)

type handler struct {
	fd    int
	fn    func()
	timer bool
}

// Loop multiplexes descriptors and periodic timers onto one goroutine.
type Loop struct {
	epfd     int
	handlers map[int]*handler
	ownedFds []int
}

// New creates an empty loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, tinyhan.WrapError("HOST", err)
	}
	return &Loop{
		epfd:     epfd,
		handlers: make(map[int]*handler),
	}, nil
}

// AddFd invokes fn whenever fd becomes readable. The callback must drain
// the descriptor without blocking.
func (l *Loop) AddFd(fd int, fn func()) error {
	if fd < 0 {
		return tinyhan.NewError("HOST", tinyhan.ErrWrongState, "bad fd")
	}
	h := &handler{fd: fd, fn: fn}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return tinyhan.WrapError("HOST", err)
	}
	l.handlers[fd] = h
	return nil
}

// AddTicker invokes fn every interval. Missed intervals (e.g. after a
// suspend) are delivered as repeated calls so tick counters stay honest.
func (l *Loop) AddTicker(interval time.Duration, fn func()) error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return tinyhan.WrapError("HOST", err)
	}

	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(interval.Nanoseconds()),
		Value:    unix.NsecToTimespec(interval.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return tinyhan.WrapError("HOST", err)
	}

	h := &handler{fd: tfd, fn: fn, timer: true}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, tfd, &ev); err != nil {
		unix.Close(tfd)
		return tinyhan.WrapError("HOST", err)
	}
	l.handlers[tfd] = h
	l.ownedFds = append(l.ownedFds, tfd)
	return nil
}

// Run dispatches until the context is canceled.
func (l *Loop) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 16)
	var count [8]byte

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return tinyhan.WrapError("HOST", err)
		}

		for i := 0; i < n; i++ {
			h, ok := l.handlers[int(events[i].Fd)]
			if !ok {
				continue
			}
			if h.timer {
				// Deliver one call per elapsed interval
				if _, err := unix.Read(h.fd, count[:]); err == nil {
					expirations := binary.NativeEndian.Uint64(count[:])
					for e := uint64(0); e < expirations; e++ {
						h.fn()
					}
				}
				continue
			}
			h.fn()
		}
	}
}

// Close releases the loop's descriptors. Descriptors registered with
// AddFd belong to their owners and are left open.
func (l *Loop) Close() error {
	for _, fd := range l.ownedFds {
		unix.Close(fd)
	}
	return unix.Close(l.epfd)
}
