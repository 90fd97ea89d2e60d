// Package tcpworker implements the TCP fallback worker group: a handful of
// goroutines draining the TCP queue and performing one synchronous TCP
// query per item. TCP fallback is intentionally one-shot with no retry;
// the rare truncated-response path doesn't justify a second poll loop.
package tcpworker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"bulkdns-go/internal/dnsquery"
	"bulkdns-go/internal/queue"
	"bulkdns-go/internal/stats"
	"bulkdns-go/internal/writer"

	"github.com/rs/zerolog/log"
)

// Options carries the subset of ScanConfig a TCP worker needs.
type Options struct {
	ResolverAddr string // "ip:port"
	Query        dnsquery.Options
	Timeout      time.Duration
}

// Worker is one TCP worker.
type Worker struct {
	opts   Options
	qTCP   *queue.Queue
	out    *writer.Writer
	counts *stats.Counters
}

// New builds a TCP worker.
func New(opts Options, qTCP *queue.Queue, out *writer.Writer, counts *stats.Counters) *Worker {
	return &Worker{opts: opts, qTCP: qTCP, out: out, counts: counts}
}

const tcpQueueBackoff = time.Second

// Run loops dequeuing from the TCP queue until it sees the shutdown
// sentinel or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, ok := w.qTCP.TryGet()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(tcpQueueBackoff):
			}
			continue
		}

		if item.Shutdown {
			return
		}

		w.query(item.Domain)
	}
}

func (w *Worker) query(domain string) {
	w.counts.TCPAttempted.Add(1)

	buf, err := dnsquery.Encode(domain, w.opts.Query)
	if err != nil {
		w.counts.EncodeFailures.Add(1)
		log.Debug().Err(err).Str("domain", domain).Msg("tcp worker: encode failed, dropping")
		return
	}

	conn, err := net.DialTimeout("tcp4", w.opts.ResolverAddr, w.opts.Timeout)
	if err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("tcp worker: connect failed, dropping")
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(w.opts.Timeout))

	if err := writeFramed(conn, buf); err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("tcp worker: send failed, dropping")
		return
	}

	reply, err := readFramed(conn)
	if err != nil {
		log.Debug().Err(err).Str("domain", domain).Msg("tcp worker: recv failed, dropping")
		return
	}

	msg, err := dnsquery.Decode(reply)
	if err != nil {
		w.counts.DecodeFailures.Add(1)
		log.Debug().Err(err).Str("domain", domain).Msg("tcp worker: decode failed, dropping")
		return
	}

	line, err := dnsquery.ToJSONLine(domain, msg, "tcp")
	if err != nil {
		log.Debug().Err(err).Msg("tcp worker: render failed, dropping")
		return
	}
	w.out.Write(line)
	w.counts.TCPSucceeded.Add(1)
}

// writeFramed sends buf prefixed with its 2-byte big-endian length, per
// RFC 1035 DNS-over-TCP framing.
func writeFramed(w io.Writer, buf []byte) error {
	if len(buf) > 0xFFFF {
		return fmt.Errorf("query too large for TCP framing: %d bytes", len(buf))
	}
	var lenPrefix [2]byte
	binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(buf)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf)
	return err
}

// readFramed reads a 2-byte big-endian length prefix followed by exactly
// that many bytes.
func readFramed(r io.Reader) ([]byte, error) {
	var lenPrefix [2]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
