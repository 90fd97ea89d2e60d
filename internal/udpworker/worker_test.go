package udpworker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"bulkdns-go/internal/dnsquery"
	"bulkdns-go/internal/queue"
	"bulkdns-go/internal/socketpool"
	"bulkdns-go/internal/stats"
	"bulkdns-go/internal/writer"
)

// fakeResolver answers every query it receives with a fixed A record or,
// when truncate is set, with an empty response marked truncated.
func fakeResolver(t *testing.T, truncate bool) (*net.UDPConn, func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Truncated = truncate
			if !truncate && len(req.Question) > 0 {
				rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 192.0.2.1")
				if rr != nil {
					resp.Answer = append(resp.Answer, rr)
				}
			}
			out, err := resp.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDP(out, addr)
		}
	}()

	return conn, func() { conn.Close() }
}

func newTestWorker(t *testing.T, resolverAddr *net.UDPAddr, qIn, qTCP *queue.Queue, out *writer.Writer, udpOnly bool) *Worker {
	t.Helper()
	slots, err := socketpool.New(net.ParseIP("127.0.0.1"), 2)
	if err != nil {
		t.Fatalf("socketpool.New: %v", err)
	}
	t.Cleanup(func() { socketpool.CloseAll(slots) })

	var resolverIP [4]byte
	copy(resolverIP[:], resolverAddr.IP.To4())

	opts := Options{
		ResolverIP:   resolverIP,
		ResolverPort: resolverAddr.Port,
		Query:        dnsquery.Options{RRType: dns.TypeA, RRClass: dns.ClassINET},
		UDPOnly:      udpOnly,
		TimeoutMS:    200,
	}
	return New(slots, opts, qIn, qTCP, out, &stats.Counters{}, stats.NewDuplicateTracker())
}

func newCaptureWriter() (*writer.Writer, chan []byte) {
	ch := make(chan []byte, 16)
	w := writer.Start(&chanSink{ch: ch}, 16)
	return w, ch
}

// chanSink adapts a channel of lines to io.Writer for tests that want to
// observe each write call.
type chanSink struct {
	ch chan []byte
}

func (s *chanSink) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	s.ch <- cp
	return len(p), nil
}

func TestUDPWorkerRoundTrip(t *testing.T) {
	resolver, cleanup := fakeResolver(t, false)
	defer cleanup()

	qIn := queue.New(4)
	qTCP := queue.New(4)
	out, lines := newCaptureWriter()
	defer out.Close()

	w := newTestWorker(t, resolver.LocalAddr().(*net.UDPAddr), qIn, qTCP, out, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	qIn.TryPut(queue.Item{Domain: "example.com."})

	select {
	case line := <-lines:
		if len(line) == 0 {
			t.Fatal("empty line emitted")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for JSON line")
	}
}

func TestUDPWorkerTruncatedForwardsToTCPQueue(t *testing.T) {
	resolver, cleanup := fakeResolver(t, true)
	defer cleanup()

	qIn := queue.New(4)
	qTCP := queue.New(4)
	out, _ := newCaptureWriter()
	defer out.Close()

	w := newTestWorker(t, resolver.LocalAddr().(*net.UDPAddr), qIn, qTCP, out, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	qIn.TryPut(queue.Item{Domain: "big.example.com."})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for TCP queue entry")
		default:
		}
		if item, ok := qTCP.TryGet(); ok {
			if item.Domain != "big.example.com." {
				t.Fatalf("unexpected domain in tcp queue: %q", item.Domain)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUDPWorkerUDPOnlySkipsTCPQueue(t *testing.T) {
	resolver, cleanup := fakeResolver(t, true)
	defer cleanup()

	qIn := queue.New(4)
	qTCP := queue.New(4)
	out, lines := newCaptureWriter()
	defer out.Close()

	w := newTestWorker(t, resolver.LocalAddr().(*net.UDPAddr), qIn, qTCP, out, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	qIn.TryPut(queue.Item{Domain: "truncated.example.com."})

	select {
	case <-lines:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for JSON line")
	}

	time.Sleep(100 * time.Millisecond)
	if qTCP.Len() != 0 {
		t.Fatalf("tcp queue should be empty with udp-only mode, got len=%d", qTCP.Len())
	}
}

func TestUDPWorkerBatchTimeoutResetsSendReady(t *testing.T) {
	qIn := queue.New(4)
	qTCP := queue.New(4)
	out, _ := newCaptureWriter()
	defer out.Close()

	// No resolver listening: sends go nowhere, so every socket in the
	// batch becomes pending-receive and stays that way until the poll
	// timeout fires the whole-batch reset.
	slots, err := socketpool.New(net.ParseIP("127.0.0.1"), 2)
	if err != nil {
		t.Fatalf("socketpool.New: %v", err)
	}
	defer socketpool.CloseAll(slots)

	opts := Options{
		ResolverIP:   [4]byte{127, 0, 0, 1},
		ResolverPort: 1, // nothing listens on port 1
		Query:        dnsquery.Options{RRType: dns.TypeA, RRClass: dns.ClassINET},
		TimeoutMS:    150,
	}
	w := New(slots, opts, qIn, qTCP, out, &stats.Counters{}, stats.NewDuplicateTracker())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	qIn.TryPut(queue.Item{Domain: "a.example."})
	qIn.TryPut(queue.Item{Domain: "b.example."})
	qIn.TryPut(queue.Item{Domain: "timeout-done"})
	qIn.TryPut(queue.Shutdown())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("worker did not shut down after batch timeout + sentinel")
	}
}
