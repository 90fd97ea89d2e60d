package server

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// EchoHook returns the received bytes unmodified, the simplest possible
// "script".
func EchoHook(raw []byte, meta PacketMeta) (string, []byte) {
	return fmt.Sprintf("echo %d bytes from %s:%d/%s", len(raw), meta.IP, meta.Port, meta.Proto), raw
}

// RefuseAllHook decodes the query (dropping silently on decode failure, the
// same rule the scan engine's response handler uses) and replies with
// RcodeRefused for every question, regardless of name.
func RefuseAllHook(raw []byte, meta PacketMeta) (string, []byte) {
	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil {
		return "refuse-all: decode failed, dropping", nil
	}

	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeRefused)
	out, err := resp.Pack()
	if err != nil {
		return "refuse-all: pack failed, dropping", nil
	}
	qname := ""
	if len(req.Question) > 0 {
		qname = req.Question[0].Name
	}
	return fmt.Sprintf("refuse-all: %s from %s:%d", qname, meta.IP, meta.Port), out
}

// StaticRecords maps a fully-qualified lowercase name to the IPv4/IPv6
// addresses it should resolve to, for StaticReflectorHook.
type StaticRecords map[string][]net.IP

// StaticReflectorHook answers A/AAAA queries from a fixed in-memory table,
// and NXDOMAIN for anything not present.
type StaticReflectorHook struct {
	Records StaticRecords
}

// Hook returns a Hook bound to this reflector's table.
func (s *StaticReflectorHook) Hook() Hook {
	return func(raw []byte, meta PacketMeta) (string, []byte) {
		req := new(dns.Msg)
		if err := req.Unpack(raw); err != nil {
			return "reflector: decode failed, dropping", nil
		}
		if len(req.Question) == 0 {
			return "reflector: no question, dropping", nil
		}

		q := req.Question[0]
		name := strings.ToLower(q.Name)

		resp := new(dns.Msg)
		resp.SetReply(req)

		ips, found := s.Records[name]
		if !found {
			resp.Rcode = dns.RcodeNameError
			out, err := resp.Pack()
			if err != nil {
				return "reflector: pack failed, dropping", nil
			}
			return fmt.Sprintf("reflector: NXDOMAIN %s", name), out
		}

		for _, ip := range ips {
			if v4 := ip.To4(); v4 != nil && q.Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   v4,
				})
			} else if v4 == nil && q.Qtype == dns.TypeAAAA {
				resp.Answer = append(resp.Answer, &dns.AAAA{
					Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
					AAAA: ip,
				})
			}
		}

		out, err := resp.Pack()
		if err != nil {
			return "reflector: pack failed, dropping", nil
		}
		return fmt.Sprintf("reflector: %s -> %d answer(s)", name, len(resp.Answer)), out
	}
}
