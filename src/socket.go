package main

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// socketRecvTimeout bounds a blocking receive so the monitor can observe
// cancellation.
const socketRecvTimeout = 100 * time.Millisecond

var loopbackAddr = [4]byte{127, 0, 0, 1}

// udpSocket is the emulated wire of a node: a UDP socket on 127.0.0.1.
type udpSocket struct {
	fd   int
	port int
}

// openUDPSocket binds a UDP socket to an ephemeral port on 127.0.0.1.
func openUDPSocket() (*udpSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "creating UDP socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: loopbackAddr}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "binding UDP socket to 127.0.0.1")
	}
	tv := unix.NsecToTimeval(socketRecvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setting receive timeout")
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "reading bound address")
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, errors.New("unexpected socket address type")
	}
	return &udpSocket{fd: fd, port: in4.Port}, nil
}

// sendTo sends one datagram to the node listening on port.
func (s *udpSocket) sendTo(buf []byte, port int) error {
	return unix.Sendto(s.fd, buf, 0, &unix.SockaddrInet4{Port: port, Addr: loopbackAddr})
}

// recv reads one datagram. errRecvTimeout is returned when nothing arrived
// within socketRecvTimeout.
func (s *udpSocket) recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	switch err {
	case nil:
		return n, nil
	case unix.EAGAIN, unix.EINTR:
		return 0, errRecvTimeout
	default:
		return 0, err
	}
}

var errRecvTimeout = errors.New("receive timeout")

func (s *udpSocket) Close() error {
	return unix.Close(s.fd)
}
