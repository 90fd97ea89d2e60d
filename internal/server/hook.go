package server

// PacketMeta describes the transport context a hook receives alongside the
// raw bytes.
type PacketMeta struct {
	IP    string
	Port  int
	Proto string // "udp" or "tcp"
}

// Hook is the single boundary callback a server-mode listener invokes per
// received packet. A nil reply means "send nothing back"; a non-empty
// logLine is surfaced through zerolog at Debug level by the caller.
// bulkdns-go ships a small set of built-in Go hooks rather than an
// embedded scripting VM; see hooks.go.
type Hook func(raw []byte, meta PacketMeta) (logLine string, reply []byte)
