package dhcp

import (
	"net"
	"net/netip"
	"net/url"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/pureboot/pureboot/pkg/data"
)

func testHandler() *Handler {
	return &Handler{
		IPAddr:   netip.MustParseAddr("10.0.0.1"),
		TFTPAddr: netip.MustParseAddrPort("10.0.0.1:69"),
		MenuURL: func(mac net.HardwareAddr) *url.URL {
			return &url.URL{Scheme: "http", Host: "10.0.0.1:7171", Path: "/api/v1/menus/" + mac.String() + ".ipxe"}
		},
	}
}

func TestReplyOfferForDiscover(t *testing.T) {
	h := testHandler()
	pkt := netbootPacket(t)
	info := NewInfo(pkt)

	reply, err := h.reply(info, &data.BootDecision{Kind: data.DecisionInstall})
	if err != nil {
		t.Fatalf("reply() error = %v", err)
	}
	if reply.OpCode != dhcpv4.OpcodeBootReply {
		t.Errorf("opcode = %s, want BOOTREPLY", reply.OpCode)
	}
	if reply.MessageType() != dhcpv4.MessageTypeOffer {
		t.Errorf("message type = %s, want OFFER", reply.MessageType())
	}
	if reply.TransactionID != pkt.TransactionID {
		t.Errorf("transaction id not echoed")
	}
	if !reply.ServerIPAddr.Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("siaddr = %s, want 10.0.0.1", reply.ServerIPAddr)
	}
	if reply.BootFileName != "/boot/uefi/ipxe.efi" {
		t.Errorf("bootfile = %q, want the uefi loader", reply.BootFileName)
	}

	opt43 := dhcpv4.Options{}
	if err := opt43.FromBytes(reply.Options.Get(dhcpv4.OptionVendorSpecificInformation)); err != nil {
		t.Fatalf("parsing option 43: %v", err)
	}
	if got := opt43.Get(dhcpv4.GenericOptionCode(6)); len(got) != 1 || got[0] != 8 {
		t.Errorf("discovery control suboption = %v, want [8]", got)
	}
}

func TestReplyAckForRequest(t *testing.T) {
	h := testHandler()
	pkt := netbootPacket(t, dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest))
	info := NewInfo(pkt)

	reply, err := h.reply(info, &data.BootDecision{Kind: data.DecisionInstall})
	if err != nil {
		t.Fatalf("reply() error = %v", err)
	}
	if reply.MessageType() != dhcpv4.MessageTypeAck {
		t.Errorf("message type = %s, want ACK", reply.MessageType())
	}
}

func TestReplyEchoesClientGUID(t *testing.T) {
	h := testHandler()
	guid := make([]byte, 17)
	guid[1] = 0xde
	pkt := netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, guid)))
	info := NewInfo(pkt)

	reply, err := h.reply(info, &data.BootDecision{Kind: data.DecisionInstall})
	if err != nil {
		t.Fatalf("reply() error = %v", err)
	}
	got := reply.Options.Get(dhcpv4.OptionClientMachineIdentifier)
	if string(got) != string(guid) {
		t.Errorf("guid not mirrored: %x", got)
	}
}

func TestBootfile(t *testing.T) {
	h := testHandler()
	mac := net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	tests := map[string]struct {
		info Info
		want string
	}{
		"raw pxe chainloads ipxe": {
			info: Info{Mac: mac, Arch: data.ArchX8664, Firmware: data.FirmwareUEFI},
			want: "/boot/uefi/ipxe.efi",
		},
		"stock ipxe fetches menu": {
			info: Info{Mac: mac, UserClass: IPXE},
			want: "http://10.0.0.1:7171/api/v1/menus/aa:bb:cc:dd:ee:ff.ipxe",
		},
		"chainloaded client fetches menu": {
			info: Info{Mac: mac, UserClass: PureBoot},
			want: "http://10.0.0.1:7171/api/v1/menus/aa:bb:cc:dd:ee:ff.ipxe",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := h.bootfile(tc.info); got != tc.want {
				t.Errorf("bootfile() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReplyAddr(t *testing.T) {
	relayed := netbootPacket(t)
	relayed.GatewayIPAddr = net.ParseIP("10.0.1.1")

	broadcast := netbootPacket(t)
	broadcast.GatewayIPAddr = net.IPv4zero

	tests := map[string]struct {
		peer net.Addr
		pkt  *dhcpv4.DHCPv4
		want string
	}{
		"relayed goes back through the relay": {
			peer: &net.UDPAddr{IP: net.ParseIP("10.0.1.1"), Port: 67},
			pkt:  relayed,
			want: "10.0.1.1:67",
		},
		"unicast peer answered directly": {
			peer: &net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 68},
			pkt:  broadcast,
			want: "10.0.0.9:68",
		},
		"unspecified peer gets broadcast": {
			peer: &net.UDPAddr{IP: net.IPv4zero, Port: 68},
			pkt:  broadcast,
			want: "255.255.255.255:68",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := replyAddr(tc.peer, tc.pkt).String(); got != tc.want {
				t.Errorf("replyAddr() = %s, want %s", got, tc.want)
			}
		})
	}
}
