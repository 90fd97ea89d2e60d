package server

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/rs/zerolog/log"
)

// Server is bulkdns-go's secondary mode: it listens on UDP (and optionally
// TCP) and hands every received packet to a single Hook, writing back
// whatever bytes the hook returns.
type Server struct {
	Hook     Hook
	Clients  *ClientTracker
	udpConn  *net.UDPConn
	tcpLn    net.Listener
	shutdown chan struct{}
}

// New builds a Server bound to hook. Clients may be nil to disable burst
// tracking.
func New(hook Hook, clients *ClientTracker) *Server {
	return &Server{Hook: hook, Clients: clients, shutdown: make(chan struct{})}
}

// ListenUDP starts the UDP listener on addr (e.g. ":5353") and serves
// packets until Close is called. It blocks the calling goroutine; callers
// typically run it in a goroutine.
func (s *Server) ListenUDP(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return err
	}
	s.udpConn = conn

	buf := make([]byte, 65535)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Warn().Err(err).Msg("server: udp read failed")
				continue
			}
		}

		raw := append([]byte(nil), buf[:n]...)
		go s.handle(raw, from.IP.String(), from.Port, "udp", func(reply []byte) {
			if reply == nil {
				return
			}
			if _, err := conn.WriteToUDP(reply, from); err != nil {
				log.Warn().Err(err).Msg("server: udp write failed")
			}
		})
	}
}

// ListenTCP starts the TCP listener on addr using RFC 1035 length-prefixed
// framing (the same 2-byte big-endian length prefix the core's TCP
// fallback worker uses). It blocks the calling goroutine.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return err
	}
	s.tcpLn = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Warn().Err(err).Msg("server: tcp accept failed")
				continue
			}
		}
		go s.serveTCPConn(conn)
	}
}

func (s *Server) serveTCPConn(conn net.Conn) {
	defer conn.Close()

	host, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	port := 0
	parsePort(portStr, &port)

	for {
		var lenPrefix [2]byte
		if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(lenPrefix[:])
		raw := make([]byte, n)
		if _, err := io.ReadFull(conn, raw); err != nil {
			return
		}

		s.handle(raw, host, port, "tcp", func(reply []byte) {
			if reply == nil {
				return
			}
			var outLen [2]byte
			binary.BigEndian.PutUint16(outLen[:], uint16(len(reply)))
			conn.Write(outLen[:])
			conn.Write(reply)
		})
	}
}

func (s *Server) handle(raw []byte, ip string, port int, proto string, respond func([]byte)) {
	if s.Clients != nil {
		if n := s.Clients.Observe(ip); n > 100 {
			log.Warn().Str("client", ip).Int("count", n).Msg("server: high query rate from client")
		}
	}

	logLine, reply := s.Hook(raw, PacketMeta{IP: ip, Port: port, Proto: proto})
	if logLine != "" {
		log.Debug().Str("client", ip).Str("proto", proto).Msg(logLine)
	}
	respond(reply)
}

// Close stops both listeners.
func (s *Server) Close() {
	close(s.shutdown)
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	if s.tcpLn != nil {
		s.tcpLn.Close()
	}
}

// parsePort parses a decimal port string into out, leaving out untouched on
// a malformed string.
func parsePort(s string, out *int) {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return
		}
		n = n*10 + int(s[i]-'0')
	}
	*out = n
}
