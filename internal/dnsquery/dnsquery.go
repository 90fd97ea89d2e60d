// Package dnsquery is the thin adapter over github.com/miekg/dns: building
// the outgoing query, decoding a response, and rendering it as one JSON
// line. It is intentionally small, a narrow wire-encoding/decoding and
// JSON-rendering contract kept separate from the worker engines.
package dnsquery

import (
	"encoding/json"
	"fmt"

	"github.com/miekg/dns"
)

// Options mirrors the subset of ScanConfig this package needs, so it does
// not need to import internal/config.
type Options struct {
	RRType  uint16
	RRClass uint16
	SetDO   bool
	SetNSID bool
	NoEDNS  bool
}

// Encode builds and serializes one query for qname, allocating a fresh
// buffer. On any failure the caller is expected to drop the domain
// silently.
func Encode(qname string, opt Options) ([]byte, error) {
	return EncodeInto(qname, opt, nil)
}

// EncodeInto builds and serializes one query for qname into scratch if it
// has enough capacity, avoiding a per-query allocation on the hot path.
// scratch may be nil, matching Encode's behavior.
func EncodeInto(qname string, opt Options, scratch []byte) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(qname), opt.RRType)
	if len(msg.Question) == 0 {
		return nil, fmt.Errorf("failed to build question for %q", qname)
	}
	msg.Question[0].Qclass = opt.RRClass

	if !opt.NoEDNS {
		o := msg.SetEdns0(4096, opt.SetDO)
		if opt.SetNSID {
			o.Option = append(o.Option, &dns.EDNS0_NSID{Code: dns.EDNS0NSID})
		}
	}

	// PackBuffer only reuses a buffer whose length (not capacity) is large
	// enough, so hand it the full capacity of scratch.
	buf, err := msg.PackBuffer(scratch[:cap(scratch)])
	if err != nil {
		return nil, fmt.Errorf("pack query for %q: %w", qname, err)
	}
	return buf, nil
}

// Decode unpacks raw bytes into a dns.Msg. A decode failure means the
// caller drops the packet silently.
func Decode(raw []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, fmt.Errorf("unpack response: %w", err)
	}
	return msg, nil
}

// Record is one rendered resource record.
type Record struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Class string `json:"class"`
	TTL   uint32 `json:"ttl"`
	Data  string `json:"data"`
}

// Response is the JSON object emitted for each accepted DNS response.
type Response struct {
	Query      string   `json:"query"`
	Type       string   `json:"type"`
	Status     string   `json:"status"`
	Truncated  bool     `json:"truncated"`
	Answers    []Record `json:"answers,omitempty"`
	Authority  []Record `json:"authority,omitempty"`
	Additional []Record `json:"additional,omitempty"`
	Transport  string   `json:"transport"`
}

func render(rrs []dns.RR) []Record {
	out := make([]Record, 0, len(rrs))
	for _, rr := range rrs {
		hdr := rr.Header()
		out = append(out, Record{
			Name:  hdr.Name,
			Type:  dns.TypeToString[hdr.Rrtype],
			Class: dns.ClassToString[hdr.Class],
			TTL:   hdr.Ttl,
			Data:  rrDataString(rr),
		})
	}
	return out
}

// rrDataString strips the leading header fields that dns.RR.String()
// includes, leaving just the RDATA portion, the way a compact JSON
// renderer would.
func rrDataString(rr dns.RR) string {
	full := rr.String()
	hdr := rr.Header().String()
	if len(full) > len(hdr) {
		return full[len(hdr):]
	}
	return full
}

// ToJSONLine renders msg as a single newline-terminated JSON line, tagging
// it with the transport it arrived over ("udp" or "tcp").
func ToJSONLine(query string, msg *dns.Msg, transport string) ([]byte, error) {
	resp := Response{
		Query:      query,
		Type:       responseQType(msg),
		Status:     dns.RcodeToString[msg.Rcode],
		Truncated:  msg.Truncated,
		Answers:    render(msg.Answer),
		Authority:  render(msg.Ns),
		Additional: render(msg.Extra),
		Transport:  transport,
	}
	line, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response for %q: %w", query, err)
	}
	return append(line, '\n'), nil
}

func responseQType(msg *dns.Msg) string {
	if len(msg.Question) == 0 {
		return ""
	}
	return dns.TypeToString[msg.Question[0].Qtype]
}

// QName extracts the question name from a decoded message, or "" if there
// is none.
func QName(msg *dns.Msg) string {
	if len(msg.Question) == 0 {
		return ""
	}
	return msg.Question[0].Name
}
