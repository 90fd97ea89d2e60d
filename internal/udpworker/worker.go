// Package udpworker implements the UDP worker pool: a fixed number of
// goroutines, each owning a disjoint slice of the socket pool, alternating
// between sending outstanding input items on ready sockets and polling its
// batch for responses.
//
// Sockets are driven at the raw-fd level (via internal/socketpool) and
// polled with golang.org/x/sys/unix.Poll rather than per-socket goroutines
// with read deadlines, so that a poll timeout resets an entire worker's
// socket batch together. A per-socket deadline model would reset sockets
// independently instead of as a batch, changing the retry behavior under
// load.
package udpworker

import (
	"context"
	"time"

	"golang.org/x/sys/unix"

	"bulkdns-go/internal/dnsquery"
	"bulkdns-go/internal/queue"
	"bulkdns-go/internal/socketpool"
	"bulkdns-go/internal/stats"
	"bulkdns-go/internal/writer"

	"github.com/rs/zerolog/log"
)

// bufSize is the scratch buffer size for a maximum-size DNS message.
const bufSize = 65535

// qTCPBackoff is the sleep-and-retry interval used when the TCP fallback
// queue is full.
const qTCPBackoff = time.Second

// Options carries the subset of ScanConfig a worker needs.
type Options struct {
	ResolverIP   [4]byte
	ResolverPort int
	Query        dnsquery.Options
	UDPOnly      bool
	TimeoutMS    int
}

// Worker is one UDP worker owning a fixed slice of the socket pool.
type Worker struct {
	slots   []*socketpool.Slot
	opts    Options
	qIn     *queue.Queue
	qTCP    *queue.Queue
	out     *writer.Writer
	counts  *stats.Counters
	dup     *stats.DuplicateTracker
	sendBuf [bufSize]byte
	recvBuf [bufSize]byte
}

// New builds a worker over the given socket slice.
func New(slots []*socketpool.Slot, opts Options, qIn, qTCP *queue.Queue, out *writer.Writer, counts *stats.Counters, dup *stats.DuplicateTracker) *Worker {
	return &Worker{slots: slots, opts: opts, qIn: qIn, qTCP: qTCP, out: out, counts: counts, dup: dup}
}

// sendReady is the per-worker local sub-queue of socket indices that are
// not currently awaiting a reply.
type sendReady struct {
	idx []int
}

func newSendReady(n int) *sendReady {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return &sendReady{idx: idx}
}

func (r *sendReady) pop() (int, bool) {
	if len(r.idx) == 0 {
		return 0, false
	}
	i := r.idx[len(r.idx)-1]
	r.idx = r.idx[:len(r.idx)-1]
	return i, true
}

func (r *sendReady) pushAll(all []int) {
	r.idx = append(r.idx[:0], all...)
}

func (r *sendReady) push(i int) {
	r.idx = append(r.idx, i)
}

func (r *sendReady) len() int { return len(r.idx) }

// Run is the worker's main loop: dequeue, send-when-ready, poll, receive.
// It returns once the worker has observed the shutdown sentinel and has no
// item in flight, or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	K := len(w.slots)
	ready := newSendReady(K)
	allIdx := make([]int, K)
	for i := range allIdx {
		allIdx[i] = i
	}

	pending := make([]bool, K) // pending[i] == socket i is pending-receive

	pfds := make([]unix.PollFd, K)
	for i, s := range w.slots {
		pfds[i] = unix.PollFd{Fd: int32(s.FD), Events: unix.POLLIN}
	}

	var item *queue.Item
	quit := false

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		default:
		}

		if item == nil && !quit {
			// Non-blocking: a blocking dequeue here would stall this
			// worker's receive side whenever input is briefly empty but
			// replies are still outstanding.
			if got, ok := w.qIn.TryGet(); ok {
				if got.Shutdown {
					quit = true
				} else {
					it := got
					item = &it
				}
			}
		}

		if item != nil && ready.len() > 0 {
			idx, _ := ready.pop()
			w.send(*item, w.slots[idx])
			pending[idx] = true
			item = nil
			continue
		}

		n, err := unix.Poll(pfds, w.opts.TimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			// poll() returning -1 for any other reason is a fatal
			// condition, not a per-query failure.
			log.Fatal().Err(err).Msg("udp worker poll failed")
			return
		}

		if n == 0 {
			// Whole-batch timeout: every outstanding socket in this
			// worker's batch is considered lost and returned to ready.
			w.counts.TimeoutResets.Add(1)
			for i := range pending {
				pending[i] = false
			}
			ready.pushAll(allIdx)

			if quit && item == nil {
				w.shutdown()
				return
			}
			continue
		}

		for i, pfd := range pfds {
			if pfd.Revents&unix.POLLNVAL != 0 {
				log.Debug().Int("fd", int(pfd.Fd)).Msg("udp worker: socket invalid, skipping")
				continue
			}
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}

			if !pending[i] {
				// Already returned to ready by a batch timeout reset (or
				// never sent on); POLLIN here is a stale/late datagram.
				// Reading and re-pushing it would hand this socket out a
				// second time while it's still in ready, letting two
				// sends land on the same socket concurrently.
				continue
			}

			slot := w.slots[i]
			nRead, err := slot.RecvFrom(w.recvBuf[:])
			pending[i] = false
			ready.push(i)
			if err != nil {
				continue
			}
			w.handleResponse(ctx, w.recvBuf[:nRead])
		}
	}
}

func (w *Worker) send(item queue.Item, slot *socketpool.Slot) {
	buf, err := dnsquery.EncodeInto(item.Domain, w.opts.Query, w.sendBuf[:0])
	if err != nil {
		w.counts.EncodeFailures.Add(1)
		log.Debug().Err(err).Str("domain", item.Domain).Msg("udp worker: encode failed, dropping")
		return
	}
	if err := slot.SendTo(buf, w.opts.ResolverIP[:], w.opts.ResolverPort); err != nil {
		log.Debug().Err(err).Str("domain", item.Domain).Msg("udp worker: sendto failed")
		return
	}
	w.counts.Sent.Add(1)
}

func (w *Worker) handleResponse(ctx context.Context, raw []byte) {
	msg, err := dnsquery.Decode(raw)
	if err != nil {
		w.counts.DecodeFailures.Add(1)
		log.Debug().Err(err).Msg("udp worker: decode failed, dropping")
		return
	}

	qname := dnsquery.QName(msg)
	if w.dup != nil && qname != "" {
		if w.dup.Observe(qname) {
			log.Debug().Str("domain", qname).Msg("duplicate query observed within tracking window")
		}
	}

	if w.opts.UDPOnly || !msg.Truncated {
		line, err := dnsquery.ToJSONLine(qname, msg, "udp")
		if err != nil {
			log.Debug().Err(err).Msg("udp worker: render failed, dropping")
			return
		}
		w.out.Write(line)
		w.counts.UDPAccepted.Add(1)
		return
	}

	// Truncated and TCP fallback enabled: hand off to the TCP queue,
	// retrying indefinitely while it's full.
	for {
		if w.qTCP.TryPut(queue.Item{Domain: qname}) {
			return
		}
		w.counts.QueueFullWaits.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(qTCPBackoff):
		}
	}
}

func (w *Worker) shutdown() {
	// Exactly one shutdown sentinel onto the TCP queue so TCP workers know
	// the scan is over once every UDP worker has quit. This must actually
	// be delivered, even when the TCP queue is momentarily full under
	// heavy truncation, so block on a context that outlives this worker's
	// own (possibly already-cancelled) ctx rather than risk a silently
	// dropped sentinel that leaves a TCP worker waiting forever.
	w.qTCP.Put(context.Background(), queue.Shutdown())
	socketpool.CloseAll(w.slots)
}
