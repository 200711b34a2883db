package dhcp

import (
	"context"
	"errors"
	"net"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Server reads DHCPv4 packets from a UDP connection and dispatches them to
// the handler. Each packet is handled in its own goroutine; the handler is
// responsible for all reply writes.
type Server struct {
	Log     logr.Logger
	Conn    net.PacketConn
	Handler interface {
		Handle(ctx context.Context, conn net.PacketConn, peer net.Addr, pkt *dhcpv4.DHCPv4)
	}
}

// Serve blocks until ctx is done or the connection fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Conn.Close()
	}()

	buf := make([]byte, 4096)
	for {
		n, peer, err := s.Conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.Log.Error(err, "reading dhcp packet")
			continue
		}
		pkt, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			s.Log.V(1).Info("dropping unparseable packet", "peer", peer.String(), "reason", err.Error())
			continue
		}
		if pkt.OpCode != dhcpv4.OpcodeBootRequest {
			continue
		}
		go s.Handler.Handle(ctx, s.Conn, peer, pkt)
	}
}
