package gps

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

// Listen reads fix lines from UDP datagrams on addr until ctx ends. A datagram may carry
// several newline-separated lines. Malformed lines are logged and skipped.
func Listen(ctx context.Context, addr string, logger *slog.Logger, fn func(Fix)) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("gps listen %s: %w", addr, err)
	}
	return Serve(ctx, pc, logger, fn)
}

// Serve is Listen on an already bound socket, which it closes on return
func Serve(ctx context.Context, pc net.PacketConn, logger *slog.Logger, fn func(Fix)) error {
	if logger == nil {
		logger = slog.Default()
	}
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { pc.Close() })
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gps read: %w", err)
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			fix, err := ParseLine(line)
			if err != nil {
				logger.Debug("Dropping GPS line", "error", err)
				continue
			}
			fn(fix)
		}
	}
}
