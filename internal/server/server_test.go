package server

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func waitUDPReady(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("udp4", addr)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("udp listener at %s never came up", addr)
}

func TestServerEchoHookUDPRoundTrip(t *testing.T) {
	addr := "127.0.0.1:15355"
	srv := New(EchoHook, NewClientTracker())
	go srv.ListenUDP(addr)
	defer srv.Close()
	waitUDPReady(t, addr)

	conn, err := net.Dial("udp4", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	want := []byte("hello")
	if _, err := conn.Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(want) {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestServerRefuseAllHookUDP(t *testing.T) {
	addr := "127.0.0.1:15353"
	srv := New(RefuseAllHook, nil)
	go srv.ListenUDP(addr)
	defer srv.Close()
	waitUDPReady(t, addr)

	conn, err := net.Dial("udp4", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	raw, err := msg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(buf[:n]); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if resp.Rcode != dns.RcodeRefused {
		t.Fatalf("got rcode %d, want RcodeRefused", resp.Rcode)
	}
}

func TestServerStaticReflectorHookUDP(t *testing.T) {
	addr := "127.0.0.1:15354"
	reflector := &StaticReflectorHook{
		Records: StaticRecords{
			"known.test.": {net.ParseIP("192.0.2.10")},
		},
	}
	srv := New(reflector.Hook(), NewClientTracker())
	go srv.ListenUDP(addr)
	defer srv.Close()
	waitUDPReady(t, addr)

	conn, err := net.Dial("udp4", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	query := func(name string) *dns.Msg {
		msg := new(dns.Msg)
		msg.SetQuestion(name, dns.TypeA)
		raw, err := msg.Pack()
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		if _, err := conn.Write(raw); err != nil {
			t.Fatalf("Write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 512)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		resp := new(dns.Msg)
		if err := resp.Unpack(buf[:n]); err != nil {
			t.Fatalf("Unpack: %v", err)
		}
		return resp
	}

	known := query("known.test.")
	if len(known.Answer) != 1 {
		t.Fatalf("known.test.: got %d answers, want 1", len(known.Answer))
	}
	a, ok := known.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.ParseIP("192.0.2.10")) {
		t.Fatalf("known.test.: unexpected answer %v", known.Answer[0])
	}

	unknown := query("missing.test.")
	if unknown.Rcode != dns.RcodeNameError {
		t.Fatalf("missing.test.: got rcode %d, want NXDOMAIN", unknown.Rcode)
	}
}

func TestClientTrackerCountsIncrement(t *testing.T) {
	tr := NewClientTracker()
	if n := tr.Observe("203.0.113.9"); n != 1 {
		t.Fatalf("first Observe: got %d, want 1", n)
	}
	if n := tr.Observe("203.0.113.9"); n != 2 {
		t.Fatalf("second Observe: got %d, want 2", n)
	}
	if n := tr.Observe("203.0.113.10"); n != 1 {
		t.Fatalf("different address: got %d, want 1", n)
	}
}
