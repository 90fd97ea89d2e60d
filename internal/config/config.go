// Package config parses and validates the scan-mode command line into an
// immutable ScanConfig, the single value threaded through every worker.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// socketCap is the per-UDP-worker socket cap used to derive the worker
// count W = ceil(concurrency / socketCap).
const socketCap = 32

// allowedTypes is the supported RR type whitelist. Anything else is a
// configuration error, even if miekg/dns recognizes the mnemonic.
var allowedTypes = map[string]bool{
	"A": true, "AAAA": true, "NS": true, "SOA": true, "MX": true,
	"TXT": true, "CNAME": true, "PTR": true, "SRV": true, "RRSIG": true,
	"HINFO": true, "NID": true, "L32": true, "L64": true, "LP": true,
	"URI": true, "CAA": true,
}

var allowedClasses = map[string]bool{"IN": true, "CH": true}

// ScanConfig is immutable once Parse returns. QueueCapacity and the worker
// counts are derived from it, not user-facing flags of their own.
type ScanConfig struct {
	ResolverIP   net.IP
	ResolverPort int
	BindIP       net.IP

	RRType  uint16
	RRClass uint16

	UDPOnly bool
	SetDO   bool
	SetNSID bool
	NoEDNS  bool

	Timeout     time.Duration
	Concurrency int

	Output io.Writer
	Errors io.Writer
	Input  io.Reader

	// QueueCapacity bounds the input and TCP-fallback queues. Derived as
	// 2*Concurrency so capacity >= worker count always holds, since
	// W = ceil(Concurrency/socketCap) <= Concurrency.
	QueueCapacity int
}

// WorkerCount returns W, the number of UDP worker goroutines.
func (c *ScanConfig) WorkerCount() int {
	w := c.Concurrency / socketCap
	if c.Concurrency%socketCap != 0 {
		w++
	}
	if w < 1 {
		w = 1
	}
	return w
}

// TCPWorkerCount returns T = max(1, floor(0.1*W)).
func (c *ScanConfig) TCPWorkerCount() int {
	w := c.WorkerCount()
	t := w / 10
	if t < 1 {
		t = 1
	}
	return t
}

// Parse reads args (normally os.Args[1:]) into a ScanConfig using its own
// FlagSet, leaving flag.CommandLine untouched. On any
// invalid value it returns a non-nil error describing the problem; callers
// are expected to print it and exit 1.
func Parse(args []string) (*ScanConfig, error) {
	fs := flag.NewFlagSet("bulkdns-go", flag.ContinueOnError)

	rrType := fs.String("t", "A", "RR type (A, AAAA, NS, SOA, MX, TXT, CNAME, PTR, SRV, RRSIG, HINFO, NID, L32, L64, LP, URI, CAA)")
	fs.StringVar(rrType, "type", "A", "alias of -t")
	rrClass := fs.String("c", "IN", "RR class (IN or CH)")
	fs.StringVar(rrClass, "class", "IN", "alias of -c")
	resolver := fs.String("r", "1.1.1.1", "resolver IPv4 address")
	fs.StringVar(resolver, "resolver", "1.1.1.1", "alias of -r")
	port := fs.Int("p", 53, "resolver port")
	fs.IntVar(port, "port", 53, "alias of -p")
	bind := fs.String("bind", "0.0.0.0", "local bind address")
	concurrency := fs.Int("concurrency", 1000, "number of in-flight UDP sockets")
	timeout := fs.Int("timeout", 5, "socket timeout in seconds")
	udpOnly := fs.Bool("udp-only", false, "skip TCP fallback on truncation")
	setDO := fs.Bool("set-do", false, "set the DNSSEC OK bit in EDNS0")
	setNSID := fs.Bool("set-nsid", false, "add an empty NSID EDNS0 option")
	noEDNS := fs.Bool("noedns", false, "suppress EDNS0 entirely")
	outputPath := fs.String("o", "", "output path (default stdout)")
	fs.StringVar(outputPath, "output", "", "alias of -o")
	errorPath := fs.String("e", "", "error path (default stderr)")
	fs.StringVar(errorPath, "error", "", "alias of -e")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &ScanConfig{
		ResolverPort: *port,
		UDPOnly:      *udpOnly,
		SetDO:        *setDO,
		SetNSID:      *setNSID,
		NoEDNS:       *noEDNS,
		Concurrency:  *concurrency,
		Timeout:      time.Duration(*timeout) * time.Second,
	}

	cfg.ResolverIP = net.ParseIP(*resolver).To4()
	if cfg.ResolverIP == nil {
		return nil, fmt.Errorf("invalid resolver address %q: not an IPv4 literal", *resolver)
	}

	cfg.BindIP = net.ParseIP(*bind).To4()
	if cfg.BindIP == nil {
		return nil, fmt.Errorf("invalid bind address %q: not an IPv4 literal", *bind)
	}

	if cfg.ResolverPort < 1 || cfg.ResolverPort > 65535 {
		return nil, fmt.Errorf("port %d out of range [1,65535]", cfg.ResolverPort)
	}

	if *timeout < 1 {
		return nil, fmt.Errorf("timeout %d must be >= 1 second", *timeout)
	}

	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency %d must be >= 1", cfg.Concurrency)
	}

	typeName := strings.ToUpper(*rrType)
	if !allowedTypes[typeName] {
		return nil, fmt.Errorf("unrecognized RR type %q", *rrType)
	}
	rrCode, ok := dns.StringToType[typeName]
	if !ok {
		return nil, fmt.Errorf("RR type %q not known to the DNS library", *rrType)
	}
	cfg.RRType = rrCode

	className := strings.ToUpper(*rrClass)
	if !allowedClasses[className] {
		return nil, fmt.Errorf("unrecognized RR class %q", *rrClass)
	}
	cfg.RRClass = dns.StringToClass[className]

	cfg.QueueCapacity = cfg.Concurrency * 2
	if cfg.QueueCapacity < cfg.WorkerCount() {
		// Unreachable given the formula above, but enforced explicitly:
		// queue capacity must cover the UDP worker count.
		return nil, errors.New("derived queue capacity is smaller than the UDP worker count")
	}

	var err error
	cfg.Output, err = openOutput(*outputPath)
	if err != nil {
		return nil, err
	}
	cfg.Errors, err = openOutput(*errorPath)
	if err != nil {
		return nil, err
	}
	cfg.Input = os.Stdin

	if positional := fs.Args(); len(positional) > 0 {
		f, err := os.Open(positional[0])
		if err != nil {
			return nil, fmt.Errorf("open input file: %w", err)
		}
		cfg.Input = f
	}

	return cfg, nil
}

func openOutput(path string) (io.Writer, error) {
	if path == "" {
		return os.Stdout, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open output %q: %w", path, err)
	}
	return f, nil
}
