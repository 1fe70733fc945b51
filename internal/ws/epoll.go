//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// nativeEpoll is true where readiness comes from the kernel and a single
// event loop reads every socket.
const nativeEpoll = true

// Epoll multiplexes socket readiness through epoll(7) so an idle
// connection costs no goroutine.
type Epoll struct {
	fd          int
	connections map[int]net.Conn
	mu          sync.RWMutex
	events      []unix.EpollEvent
}

// NewEpoll creates an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, errors.Wrap(err, "ws: epoll_create1")
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add watches conn for read readiness and hangups.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return errors.Wrapf(err, "ws: epoll add fd=%d", fd)
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. It must run before the socket is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	e.mu.Lock()
	delete(e.connections, fd)
	e.mu.Unlock()
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "ws: epoll del fd=%d", fd)
	}
	return nil
}

// Wait blocks until at least one watched socket is readable. Sockets
// removed while waiting are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.connections[int(e.events[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	return unix.Close(e.fd)
}

func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// socketFD reads the descriptor through SyscallConn; File() would dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
