//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

type kqueueBackend struct {
	fd int
}

func newBackend() (Backend, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueBackend{fd: fd}, nil
}

func (b *kqueueBackend) changeFor(fd int, mask EventMask, add bool) []unix.Kevent_t {
	flags := uint16(unix.EV_ADD | unix.EV_CLEAR)
	if !add {
		flags = unix.EV_DELETE
	}
	var changes []unix.Kevent_t
	if add && mask&Readable == 0 && mask&Writable == 0 {
		return changes
	}
	if mask&Readable != 0 || !add {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if mask&Writable != 0 || !add {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return changes
}

func (b *kqueueBackend) Add(fd int, mask EventMask) error {
	changes := b.changeFor(fd, mask, true)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.fd, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Modify(fd int, mask EventMask) error {
	_ = b.Remove(fd)
	return b.Add(fd, mask)
}

func (b *kqueueBackend) Remove(fd int) error {
	changes := b.changeFor(fd, Readable|Writable, false)
	_, err := unix.Kevent(b.fd, changes, nil, nil)
	return err
}

func (b *kqueueBackend) Wait(out []rawEvent, timeoutMs int) (int, error) {
	raw := make([]unix.Kevent_t, len(out))
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(b.fd, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		var m EventMask
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			m = Readable
		case unix.EVFILT_WRITE:
			m = Writable
		}
		if raw[i].Flags&unix.EV_EOF != 0 {
			m |= Closed
		}
		out[i] = rawEvent{FD: int(raw[i].Ident), Mask: m}
	}
	return n, nil
}

func (b *kqueueBackend) Close() error {
	return unix.Close(b.fd)
}
