// Command scan is bulkdns-go's primary mode: read domains from stdin or a
// file, query a resolver concurrently, stream one JSON line per response.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bulkdns-go/internal/config"
	"bulkdns-go/internal/dnsquery"
	"bulkdns-go/internal/queue"
	"bulkdns-go/internal/socketpool"
	"bulkdns-go/internal/stats"
	"bulkdns-go/internal/tcpworker"
	"bulkdns-go/internal/udpworker"
	"bulkdns-go/internal/writer"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		// Configuration errors are diagnosed and reported before logging
		// is wired to cfg.Errors (that sink doesn't exist yet on a parse
		// failure), so this one case writes directly to stderr.
		fmt.Fprintln(os.Stderr, "bulkdns-go: "+err.Error())
		os.Exit(1)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: cfg.Errors})

	os.Exit(run(cfg))
}

func run(cfg *config.ScanConfig) int {
	W := cfg.WorkerCount()
	T := cfg.TCPWorkerCount()

	slots, err := socketpool.New(cfg.BindIP, cfg.Concurrency)
	if err != nil {
		log.Error().Err(err).Msg("failed to allocate socket pool")
		return 2
	}

	qIn := queue.New(cfg.QueueCapacity)
	qTCP := queue.New(cfg.QueueCapacity)
	out := writer.Start(cfg.Output, cfg.QueueCapacity)
	counts := &stats.Counters{}
	dup := stats.NewDuplicateTracker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var resolverIP [4]byte
	copy(resolverIP[:], cfg.ResolverIP.To4())

	queryOpts := dnsquery.Options{
		RRType:  cfg.RRType,
		RRClass: cfg.RRClass,
		SetDO:   cfg.SetDO,
		SetNSID: cfg.SetNSID,
		NoEDNS:  cfg.NoEDNS,
	}

	// Partition by worker count: re-derive the per-worker slice size from W
	// so the partition always yields exactly W groups, even when
	// Concurrency isn't a multiple of the per-worker socket cap. The last
	// worker's slice may be shorter than the rest.
	workerSlices := socketpool.Partition(slots, ceilDiv(len(slots), W))

	var wg sync.WaitGroup
	for _, slice := range workerSlices {
		w := udpworker.New(slice, udpworker.Options{
			ResolverIP:   resolverIP,
			ResolverPort: cfg.ResolverPort,
			Query:        queryOpts,
			UDPOnly:      cfg.UDPOnly,
			TimeoutMS:    int(cfg.Timeout / time.Millisecond),
		}, qIn, qTCP, out, counts, dup)

		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	resolverAddr := net.JoinHostPort(cfg.ResolverIP.String(), fmt.Sprint(cfg.ResolverPort))
	var tcpWG sync.WaitGroup
	for i := 0; i < T; i++ {
		tw := tcpworker.New(tcpworker.Options{
			ResolverAddr: resolverAddr,
			Query:        queryOpts,
			Timeout:      cfg.Timeout,
		}, qTCP, out, counts)

		tcpWG.Add(1)
		go func() {
			defer tcpWG.Done()
			tw.Run(ctx)
		}()
	}

	feed(cfg, qIn, W)

	wg.Wait()
	tcpWG.Wait()
	out.Close()

	snap := counts.Snapshot()
	log.Info().
		Int64("sent", snap.Sent).
		Int64("udp_accepted", snap.UDPAccepted).
		Int64("tcp_attempted", snap.TCPAttempted).
		Int64("tcp_succeeded", snap.TCPSucceeded).
		Int64("decode_failures", snap.DecodeFailures).
		Int64("encode_failures", snap.EncodeFailures).
		Int64("queue_full_waits", snap.QueueFullWaits).
		Int64("timeout_resets", snap.TimeoutResets).
		Msg("scan complete")

	return 0
}

// feed streams input into the work queue one line at a time, sleeping 5s
// and retrying indefinitely whenever the queue is full, then pushing w
// shutdown sentinels once input is exhausted.
func feed(cfg *config.ScanConfig, qIn *queue.Queue, w int) {
	scanner := bufio.NewScanner(cfg.Input)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := trimASCIISpace(scanner.Text())
		if line == "" {
			continue
		}

		for !qIn.TryPut(queue.Item{Domain: line}) {
			time.Sleep(5 * time.Second)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("error reading input")
	}

	if closer, ok := cfg.Input.(interface{ Close() error }); ok {
		closer.Close()
	}

	for i := 0; i < w; i++ {
		for !qIn.TryPut(queue.Shutdown()) {
			time.Sleep(5 * time.Second)
		}
	}
}

const asciiWhitespace = " \t\n\r\v\f"

func trimASCIISpace(s string) string {
	start := 0
	for start < len(s) && isASCIISpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isASCIISpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isASCIISpace(b byte) bool {
	for i := 0; i < len(asciiWhitespace); i++ {
		if asciiWhitespace[i] == b {
			return true
		}
	}
	return false
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}
