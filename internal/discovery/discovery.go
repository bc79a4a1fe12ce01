// Package discovery finds services on the local network by UDP broadcast.
//
// A probe is "roverlink-discover <service>"; a responder offering that service answers
// "roverlink-here <service> <port>" to the sender. The answer's source IP plus the
// announced port is the service endpoint.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roverlink/roverlink/internal/channel"
)

const (
	probePrefix = "roverlink-discover"
	replyPrefix = "roverlink-here"

	DefaultPort     = 45454
	DefaultInterval = 500 * time.Millisecond
)

// Well-known service names
const (
	ServiceBroker    = "broker"
	ServiceSecondary = "secondary"
)

var ErrNotFound = errors.New("service not found")

func probeMessage(service string) []byte {
	return []byte(probePrefix + " " + service)
}

func replyMessage(service string, port int) []byte {
	return []byte(replyPrefix + " " + service + " " + strconv.Itoa(port))
}

func parseProbe(b []byte) (string, bool) {
	f := strings.Fields(string(b))
	if len(f) != 2 || f[0] != probePrefix {
		return "", false
	}
	return f[1], true
}

func parseReply(b []byte) (string, int, bool) {
	f := strings.Fields(string(b))
	if len(f) != 3 || f[0] != replyPrefix {
		return "", 0, false
	}
	port, err := strconv.Atoi(f[2])
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return f[1], port, true
}

// Responder answers probes for one service
type Responder struct {
	Service string
	// Listen is the UDP address probes arrive on
	Listen channel.Endpoint
	// Port is the service port announced in replies
	Port   int
	Logger *slog.Logger

	// ready, when set, receives the bound address after every successful bind
	ready func(net.Addr)
}

// Run serves until ctx is cancelled. A failed or broken socket is rebound with
// exponential backoff.
func (r *Responder) Run(ctx context.Context) error {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "discovery", "service", r.Service)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	retry := backoff.WithContext(bo, ctx)

	for {
		err := r.serve(ctx, log, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.Warn("Discovery socket failed, rebinding", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (r *Responder) serve(ctx context.Context, log *slog.Logger, bound func()) error {
	pc, err := net.ListenPacket("udp", r.Listen.String())
	if err != nil {
		return fmt.Errorf("bind %s: %w", r.Listen, err)
	}
	defer pc.Close()
	bound()
	if r.ready != nil {
		r.ready(pc.LocalAddr())
	}
	log.Info("Answering discovery probes", "listen", pc.LocalAddr(), "port", r.Port)

	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, 512)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		service, ok := parseProbe(buf[:n])
		if !ok || service != r.Service {
			continue
		}
		if _, err := pc.WriteTo(replyMessage(r.Service, r.Port), from); err != nil {
			log.Debug("Discovery reply failed", "to", from, "error", err)
		}
	}
}

// Probe looks for one service
type Probe struct {
	Service string
	// Target is the broadcast address probes go to
	Target   channel.Endpoint
	Interval time.Duration
	Logger   *slog.Logger
}

// Discover broadcasts probes with growing intervals until a responder answers or ctx ends
func (p *Probe) Discover(ctx context.Context) (channel.Endpoint, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	target, err := net.ResolveUDPAddr("udp", p.Target.String())
	if err != nil {
		return channel.Endpoint{}, fmt.Errorf("discovery target %s: %w", p.Target, err)
	}

	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return channel.Endpoint{}, fmt.Errorf("discovery socket: %w", err)
	}
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	found := make(chan channel.Endpoint, 1)
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			service, port, ok := parseReply(buf[:n])
			if !ok || service != p.Service {
				continue
			}
			ep := channel.EndpointFromAddr(from)
			ep.Port = port
			select {
			case found <- ep:
			default:
			}
			return
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = 8 * interval
	bo.MaxElapsedTime = 0
	retry := backoff.WithContext(bo, ctx)

	for {
		if _, err := pc.WriteTo(probeMessage(p.Service), target); err != nil && p.Logger != nil {
			p.Logger.Debug("Discovery probe failed", "target", target, "error", err)
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return channel.Endpoint{}, fmt.Errorf("%w: %s: %v", ErrNotFound, p.Service, ctx.Err())
		}
		select {
		case ep := <-found:
			return ep, nil
		case <-ctx.Done():
			return channel.Endpoint{}, fmt.Errorf("%w: %s: %v", ErrNotFound, p.Service, ctx.Err())
		case <-time.After(wait):
		}
	}
}
