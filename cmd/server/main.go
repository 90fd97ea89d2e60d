package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bulkdns-go/internal/server"
)

func main() {
	listenUDP := flag.String("listen-udp", ":5353", "UDP listen address (\"\" disables UDP)")
	listenTCP := flag.String("listen-tcp", "", "TCP listen address (\"\" disables TCP)")
	script := flag.String("script", "echo", "Response script: echo, refuse, or reflect")
	reflectRecords := flag.String("reflect-records", "", "Comma-separated name=ip[;ip...] pairs for -script=reflect")
	logLevel := flag.String("log-level", "info", "Log level: debug/info/warn/error")

	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch *logLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		log.Fatal().Str("level", *logLevel).Msg("invalid log level")
	}

	if *listenUDP == "" && *listenTCP == "" {
		log.Fatal().Msg("at least one of -listen-udp or -listen-tcp must be set")
	}

	hook, err := buildHook(*script, *reflectRecords)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build response script")
	}

	srv := server.New(hook, server.NewClientTracker())

	errCh := make(chan error, 2)
	if *listenUDP != "" {
		go func() {
			log.Info().Str("addr", *listenUDP).Str("script", *script).Msg("server: udp listener starting")
			errCh <- srv.ListenUDP(*listenUDP)
		}()
	}
	if *listenTCP != "" {
		go func() {
			log.Info().Str("addr", *listenTCP).Str("script", *script).Msg("server: tcp listener starting")
			errCh <- srv.ListenTCP(*listenTCP)
		}()
	}

	if err := <-errCh; err != nil {
		log.Fatal().Err(err).Msg("server: listener failed")
	}
}

// buildHook dispatches the -script flag to one of the built-in hooks in
// internal/server/hooks.go.
func buildHook(name, reflectSpec string) (server.Hook, error) {
	switch name {
	case "echo":
		return server.EchoHook, nil
	case "refuse":
		return server.RefuseAllHook, nil
	case "reflect":
		records, err := parseReflectRecords(reflectSpec)
		if err != nil {
			return nil, err
		}
		reflector := &server.StaticReflectorHook{Records: records}
		return reflector.Hook(), nil
	default:
		return nil, fmt.Errorf("unknown script %q (want echo, refuse, or reflect)", name)
	}
}

// parseReflectRecords parses "name=ip;ip,name2=ip" style specs (commas
// separate pairs, the first "=" in a pair separates its name from a
// semicolon-separated address list) into a server.StaticRecords table.
func parseReflectRecords(spec string) (server.StaticRecords, error) {
	records := make(server.StaticRecords)
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return records, nil
	}

	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, addrs, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("malformed reflect record %q: want name=ip[;ip...]", pair)
		}
		name = dnsFQDN(strings.ToLower(strings.TrimSpace(name)))

		var ips []net.IP
		for _, a := range strings.Split(addrs, ";") {
			a = strings.TrimSpace(a)
			if a == "" {
				continue
			}
			ip := net.ParseIP(a)
			if ip == nil {
				return nil, fmt.Errorf("malformed reflect record %q: %q is not an IP", pair, a)
			}
			ips = append(ips, ip)
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("malformed reflect record %q: no addresses", pair)
		}
		records[name] = append(records[name], ips...)
	}

	return records, nil
}

// dnsFQDN appends the trailing dot DNS names carry on the wire, if missing.
func dnsFQDN(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
