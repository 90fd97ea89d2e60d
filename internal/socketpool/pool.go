// Package socketpool allocates the fixed array of N pre-bound UDP sockets
// that the scan engine multiplexes across its worker group, and partitions
// them into disjoint per-worker slices.
//
// Sockets are manipulated at the raw file-descriptor level via
// golang.org/x/sys/unix so that SO_REUSEADDR and a microsecond-precision
// SO_RCVTIMEO can be set directly; net.UDPConn's SetReadDeadline is a
// per-call deadline, not an OS-level socket option, so it doesn't
// substitute here (see DESIGN.md).
package socketpool

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Slot is one bound, reusable UDP socket. Lifetime is the entire scan; it
// belongs to exactly one UDP worker for that lifetime.
type Slot struct {
	FD        int
	LocalPort int
}

// SendTo transmits buf to addr on this slot.
func (s *Slot) SendTo(buf []byte, addr net.IP, port int) error {
	dst := &unix.SockaddrInet4{Port: port}
	copy(dst.Addr[:], addr.To4())
	return unix.Sendto(s.FD, buf, 0, dst)
}

// RecvFrom reads one datagram into buf, returning the number of bytes read.
// Errors of type unix.EAGAIN/unix.EWOULDBLOCK indicate "nothing available
// right now" rather than a failure; callers check those explicitly.
func (s *Slot) RecvFrom(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.FD, buf, 0)
	return n, err
}

// Close releases the underlying file descriptor.
func (s *Slot) Close() error {
	return unix.Close(s.FD)
}

// rcvTimeoutMicros is the SO_RCVTIMEO applied to every socket in the pool.
const rcvTimeoutMicros = 100

// New allocates n UDP sockets bound to bindIP with an OS-assigned ephemeral
// port each. If any socket cannot be created or bound, every
// already-created socket is closed and an error is returned: this is a
// startup invariant, not a runtime-recoverable condition.
func New(bindIP net.IP, n int) ([]*Slot, error) {
	slots := make([]*Slot, 0, n)

	cleanup := func() {
		for _, s := range slots {
			s.Close()
		}
	}

	ip4 := bindIP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("bind address %v is not IPv4", bindIP)
	}

	for i := 0; i < n; i++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("create socket %d: %w", i, err)
		}

		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			cleanup()
			return nil, fmt.Errorf("set SO_REUSEADDR on socket %d: %w", i, err)
		}

		tv := unix.Timeval{Sec: 0, Usec: rcvTimeoutMicros}
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			unix.Close(fd)
			cleanup()
			return nil, fmt.Errorf("set SO_RCVTIMEO on socket %d: %w", i, err)
		}

		addr := &unix.SockaddrInet4{Port: 0}
		copy(addr.Addr[:], ip4)
		if err := unix.Bind(fd, addr); err != nil {
			unix.Close(fd)
			cleanup()
			return nil, fmt.Errorf("bind socket %d: %w", i, err)
		}

		sa, err := unix.Getsockname(fd)
		if err != nil {
			unix.Close(fd)
			cleanup()
			return nil, fmt.Errorf("getsockname socket %d: %w", i, err)
		}
		local, ok := sa.(*unix.SockaddrInet4)
		if !ok {
			unix.Close(fd)
			cleanup()
			return nil, fmt.Errorf("socket %d: unexpected sockaddr type", i)
		}

		slots = append(slots, &Slot{FD: fd, LocalPort: local.Port})
	}

	return slots, nil
}

// Partition splits slots into worker-owned slices of at most cap each. The
// last slice may be shorter. Workers never touch another slice's sockets.
func Partition(slots []*Slot, capPerWorker int) [][]*Slot {
	if capPerWorker < 1 {
		capPerWorker = 1
	}
	var out [][]*Slot
	for i := 0; i < len(slots); i += capPerWorker {
		end := i + capPerWorker
		if end > len(slots) {
			end = len(slots)
		}
		out = append(out, slots[i:end])
	}
	return out
}

// CloseAll closes every slot, collecting (and returning) the first error
// encountered while still attempting to close the rest.
func CloseAll(slots []*Slot) error {
	var first error
	for _, s := range slots {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
