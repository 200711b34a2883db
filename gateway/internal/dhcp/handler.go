package dhcp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/pureboot/pureboot/pkg/data"
)

// Decider is the engine surface the handler consults before answering. A
// deny decision means no reply at all.
type Decider interface {
	NextDecision(ctx context.Context, hints data.IdentityHints) (*data.BootDecision, error)
}

// Handler answers netboot DHCP requests in ProxyDHCP mode: it supplies only
// the boot steering headers and never assigns addresses.
type Handler struct {
	Log    logr.Logger
	Engine Decider

	// IPAddr is the gateway's reachable address. Used for option 54 and
	// the siaddr and sname headers.
	IPAddr netip.Addr
	// TFTPAddr is the TFTP loader server clients fetch binaries from.
	TFTPAddr netip.AddrPort
	// MenuURL builds the iPXE menu script URL for a client MAC.
	MenuURL func(mac net.HardwareAddr) *url.URL
}

// Handle answers one packet. Non-netboot clients, deny decisions, and
// resolution failures all result in silence; a broken reply would stop the
// client from booting through its primary DHCP server.
func (h *Handler) Handle(ctx context.Context, conn net.PacketConn, peer net.Addr, pkt *dhcpv4.DHCPv4) {
	log := h.Log.WithValues("mac", pkt.ClientHWAddr.String(), "xid", pkt.TransactionID.String())

	info := NewInfo(pkt)
	if info.IsNetbootClient != nil {
		log.V(1).Info("ignoring non-netboot client", "reason", info.IsNetbootClient.Error())
		return
	}

	decision, err := h.Engine.NextDecision(ctx, info.Hints())
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.V(1).Info("no boot decision", "reason", err.Error())
		}
		return
	}
	if decision.Kind == data.DecisionDeny {
		log.Info("denying boot", "silent", decision.Silent)
		return
	}

	reply, err := h.reply(info, decision)
	if err != nil {
		log.Error(err, "building dhcp reply")
		return
	}
	if _, err := conn.WriteTo(reply.ToBytes(), replyAddr(peer, pkt)); err != nil {
		log.Error(err, "writing dhcp reply", "peer", peer.String())
		return
	}
	log.Info("sent dhcp reply", "bootfile", reply.BootFileName, "decision", decision.Kind)
}

// reply builds the BOOTREPLY for a netboot request: siaddr and file headers,
// server identifier, echoed client identifiers, and the vendor options PXE
// firmware requires.
func (h *Handler) reply(info Info, decision *data.BootDecision) (*dhcpv4.DHCPv4, error) {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithHwAddr(info.Mac),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(h.IPAddr.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier(string(PXEClient))),
		dhcpv4.WithServerIP(h.IPAddr.AsSlice()),
	}
	switch info.Pkt.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		mods = append(mods, dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer))
	case dhcpv4.MessageTypeRequest:
		mods = append(mods, dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
	}
	if guid := info.Pkt.GetOneOption(dhcpv4.OptionClientMachineIdentifier); len(guid) > 0 {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, guid)))
	}

	// suboption 6 value 8: PXE boot server discovery control, "use bootfile"
	opt43 := dhcpv4.Options{6: []byte{8}}
	mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(
		dhcpv4.OptionVendorSpecificInformation, info.AddRPIOpt43(opt43),
	)))

	reply, err := dhcpv4.New(mods...)
	if err != nil {
		return nil, err
	}
	reply.OpCode = dhcpv4.OpcodeBootReply
	reply.TransactionID = info.Pkt.TransactionID
	reply.GatewayIPAddr = info.Pkt.GatewayIPAddr
	reply.ServerHostName = h.IPAddr.String()
	reply.BootFileName = h.bootfile(info)
	return reply, nil
}

// bootfile picks what the client loads next. Clients already running our
// iPXE build (or a stock iPXE ROM) can fetch the HTTP menu script; raw PXE
// firmware must first chainload an iPXE binary over TFTP.
func (h *Handler) bootfile(info Info) string {
	switch {
	case info.UserClass == PureBoot, info.UserClass == IPXE:
		if h.MenuURL != nil {
			if u := h.MenuURL(info.Mac); u != nil {
				return u.String()
			}
		}
		return "/no-menu-url-configured"
	default:
		return info.LoaderPath()
	}
}

// replyAddr selects where to send the reply. Requests relayed through a
// gateway go back through it; broadcast discovers are answered by broadcast
// because the client has no address yet.
func replyAddr(peer net.Addr, pkt *dhcpv4.DHCPv4) net.Addr {
	if !pkt.GatewayIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: pkt.GatewayIPAddr, Port: dhcpv4.ServerPort}
	}
	if udp, ok := peer.(*net.UDPAddr); ok && !udp.IP.IsUnspecified() {
		return peer
	}
	return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
}
