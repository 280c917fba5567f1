package netstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// DNSPort is where the stack answers guest queries.
const DNSPort = 53

const lookupTimeout = 2 * time.Second

// Names the DNS server always answers.
const (
	HostName  = "host.internal."
	GuestName = "guest.internal."
)

type dnsServer struct {
	log    *slog.Logger
	server *dns.Server
	lookup func(ctx context.Context, name string) ([]net.IP, error)
}

func newDNSServer(logger *slog.Logger, lookup func(context.Context, string) ([]net.IP, error), conn net.PacketConn) *dnsServer {
	srv := &dnsServer{log: logger, lookup: lookup}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", srv.handleDNSRequest)

	srv.server = &dns.Server{
		Net:        "udp",
		Handler:    mux,
		PacketConn: conn,
	}
	return srv
}

func (s *dnsServer) start() {
	go func() {
		if err := s.server.ActivateAndServe(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("dns: server exited", "err", err)
		}
	}()
}

func (s *dnsServer) handleDNSRequest(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.RecursionAvailable = true

	for _, q := range r.Question {
		if q.Qclass != dns.ClassINET {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		ips, err := s.lookup(ctx, q.Name)
		cancel()
		if err != nil {
			s.log.Debug("dns: lookup failed", "name", q.Name, "err", err)
			m.SetRcode(r, dns.RcodeNameError)
			continue
		}
		// Other types for a known name get an empty NOERROR answer.
		if q.Qtype != dns.TypeA {
			continue
		}
		for _, ip := range ips {
			ip4 := ip.To4()
			if ip4 == nil {
				continue
			}
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   ip4,
			})
		}
	}

	if err := w.WriteMsg(m); err != nil {
		s.log.Debug("dns: write reply", "err", err)
	}
}

// SetInternetAccessEnabled lets the DNS server fall back to the host
// resolver for names it does not own.
func (ns *NetStack) SetInternetAccessEnabled(enabled bool) {
	ns.mu.Lock()
	ns.allowLookup = enabled
	ns.mu.Unlock()
}

func (ns *NetStack) resolve(ctx context.Context, name string) ([]net.IP, error) {
	switch strings.ToLower(dns.Fqdn(name)) {
	case HostName:
		return []net.IP{ns.HostIP()}, nil
	case GuestName:
		return []net.IP{ns.GuestIP()}, nil
	}
	ns.mu.RLock()
	allow := ns.allowLookup
	ns.mu.RUnlock()
	if !allow {
		return nil, fmt.Errorf("%s: internet access disabled", name)
	}
	return net.DefaultResolver.LookupIP(ctx, "ip4", strings.TrimSuffix(name, "."))
}

// StartDNSServer answers queries on the host address, port 53.
func (ns *NetStack) StartDNSServer() error {
	ns.mu.RLock()
	running := ns.dns != nil
	ns.mu.RUnlock()
	if running {
		return nil
	}

	conn, err := ns.ListenPacketInternal("udp", fmt.Sprintf(":%d", DNSPort))
	if err != nil {
		return fmt.Errorf("listen udp port %d: %w", DNSPort, err)
	}
	srv := newDNSServer(ns.log, ns.resolve, conn)

	ns.mu.Lock()
	ns.dns = srv
	ns.mu.Unlock()
	srv.start()
	return nil
}

// StopDNSServer shuts the DNS server down.
func (ns *NetStack) StopDNSServer() {
	ns.mu.Lock()
	srv := ns.dns
	ns.dns = nil
	ns.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Shutdown fails if the server never reached its serve loop.
	_ = srv.server.ShutdownContext(ctx)
	_ = srv.server.PacketConn.Close()
}
