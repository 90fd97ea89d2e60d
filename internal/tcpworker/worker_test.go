package tcpworker

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"bulkdns-go/internal/dnsquery"
	"bulkdns-go/internal/queue"
	"bulkdns-go/internal/stats"
	"bulkdns-go/internal/writer"
)

func fakeTCPResolver(t *testing.T) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				var lenPrefix [2]byte
				if _, err := io.ReadFull(c, lenPrefix[:]); err != nil {
					return
				}
				n := binary.BigEndian.Uint16(lenPrefix[:])
				buf := make([]byte, n)
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
				req := new(dns.Msg)
				if err := req.Unpack(buf); err != nil {
					return
				}
				resp := new(dns.Msg)
				resp.SetReply(req)
				if len(req.Question) > 0 {
					rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 192.0.2.55")
					if rr != nil {
						resp.Answer = append(resp.Answer, rr)
					}
				}
				out, err := resp.Pack()
				if err != nil {
					return
				}
				var outLen [2]byte
				binary.BigEndian.PutUint16(outLen[:], uint16(len(out)))
				c.Write(outLen[:])
				c.Write(out)
			}(conn)
		}
	}()

	return ln, func() { ln.Close() }
}

func TestTCPWorkerRoundTrip(t *testing.T) {
	ln, cleanup := fakeTCPResolver(t)
	defer cleanup()

	qTCP := queue.New(4)
	ch := make(chan []byte, 4)
	out := writer.Start(sinkFunc(func(p []byte) (int, error) {
		cp := append([]byte(nil), p...)
		ch <- cp
		return len(p), nil
	}), 4)
	defer out.Close()

	w := New(Options{
		ResolverAddr: ln.Addr().String(),
		Query:        dnsquery.Options{RRType: dns.TypeA, RRClass: dns.ClassINET},
		Timeout:      2 * time.Second,
	}, qTCP, out, &stats.Counters{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	qTCP.TryPut(queue.Item{Domain: "example.com."})

	select {
	case line := <-ch:
		if len(line) == 0 {
			t.Fatal("empty JSON line")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for TCP round trip")
	}
}

func TestTCPWorkerExitsOnSentinel(t *testing.T) {
	qTCP := queue.New(4)
	out := writer.Start(sinkFunc(func(p []byte) (int, error) { return len(p), nil }), 4)
	defer out.Close()

	w := New(Options{ResolverAddr: "127.0.0.1:1", Query: dnsquery.Options{RRType: dns.TypeA, RRClass: dns.ClassINET}, Timeout: time.Second}, qTCP, out, &stats.Counters{})

	qTCP.TryPut(queue.Shutdown())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not exit on shutdown sentinel")
	}
}

type sinkFunc func(p []byte) (int, error)

func (f sinkFunc) Write(p []byte) (int, error) { return f(p) }
