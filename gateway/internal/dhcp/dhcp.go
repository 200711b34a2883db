// Package dhcp implements the ProxyDHCP side of the boot gateway: it never
// assigns addresses, it only steers netboot clients to the right loader.
package dhcp

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/pureboot/pureboot/pkg/data"
)

const (
	PXEClient  ClientType = "PXEClient"
	HTTPClient ClientType = "HTTPClient"
)

// Known user-class values, DHCP option 77.
const (
	// IPXE means the client runs a stock iPXE ROM. It can fetch the menu
	// script over HTTP directly.
	IPXE UserClass = "iPXE"
	// PureBoot marks a client already chainloaded into the iPXE build we
	// hand out, so it must not be chainloaded again.
	PureBoot UserClass = "PureBoot"
)

// UserClass is DHCP option 77.
type UserClass string

// ClientType is from DHCP option 60. Normally only PXEClient or HTTPClient.
type ClientType string

// rpiOUIPrefixes are the MAC prefixes registered to Raspberry Pi Trading Ltd.
var rpiOUIPrefixes = [][]byte{
	{0xb8, 0x27, 0xeb},
	{0xdc, 0xa6, 0x32},
	{0xe4, 0x5f, 0x01},
	{0x28, 0xcd, 0xc1},
	{0xd8, 0x3a, 0xdd},
}

func isRaspberryPI(mac net.HardwareAddr) bool {
	for _, prefix := range rpiOUIPrefixes {
		if bytes.HasPrefix(mac, prefix) {
			return true
		}
	}
	return false
}

// Info is everything the gateway derives from one inbound DHCP packet.
type Info struct {
	Pkt        *dhcpv4.DHCPv4
	Mac        net.HardwareAddr
	Arch       data.Arch
	Firmware   data.Firmware
	UserClass  UserClass
	ClientType ClientType
	// IsNetbootClient is nil when the packet is a valid netboot request.
	IsNetbootClient error
	// RaspberryPI is set for MACs in the Pi OUI ranges; those clients need
	// option 43 suboptions.
	RaspberryPI bool
}

// NewInfo parses a packet into an Info.
func NewInfo(pkt *dhcpv4.DHCPv4) Info {
	i := Info{Pkt: pkt}
	if pkt == nil {
		return i
	}
	i.Mac = pkt.ClientHWAddr
	i.RaspberryPI = isRaspberryPI(pkt.ClientHWAddr)
	i.Arch, i.Firmware = archFromOption93(pkt, i.RaspberryPI)
	i.UserClass = userClassFrom(pkt)
	i.ClientType = clientTypeFrom(pkt)
	i.IsNetbootClient = IsNetbootClient(pkt)
	return i
}

// archFromOption93 maps the client system architecture (option 93) to the
// node architecture and firmware: 0000 bios x86, 0007 and 0009 uefi x64,
// 000b arm64, anything else bios x86.
func archFromOption93(pkt *dhcpv4.DHCPv4, rpi bool) (data.Arch, data.Firmware) {
	// Some Pis (Pi 5) report option 93 as 0, which would read as BIOS x86.
	if rpi {
		return data.ArchAarch64, data.FirmwareUEFI
	}
	for _, a := range pkt.ClientArch() {
		switch uint16(a) {
		case 0x0000:
			return data.ArchX8664, data.FirmwareBIOS
		case 0x0007, 0x0009:
			return data.ArchX8664, data.FirmwareUEFI
		case 0x000b:
			return data.ArchAarch64, data.FirmwareUEFI
		}
	}
	return data.ArchX8664, data.FirmwareBIOS
}

func userClassFrom(pkt *dhcpv4.DHCPv4) UserClass {
	if val := pkt.Options.Get(dhcpv4.OptionUserClassInformation); val != nil {
		return UserClass(string(val))
	}
	return ""
}

func clientTypeFrom(pkt *dhcpv4.DHCPv4) ClientType {
	if val := pkt.Options.Get(dhcpv4.OptionClassIdentifier); val != nil {
		if strings.HasPrefix(string(val), string(HTTPClient)) {
			return HTTPClient
		}
		return PXEClient
	}
	return ""
}

// IsNetbootClient returns nil for a valid netboot request. A valid request
// is a DISCOVER or REQUEST carrying options 60, 93 and 94, with option 60
// starting with PXEClient or HTTPClient, and option 97 absent or 17 bytes
// starting with 0.
func IsNetbootClient(pkt *dhcpv4.DHCPv4) error {
	var err error
	if pkt.MessageType() != dhcpv4.MessageTypeDiscover && pkt.MessageType() != dhcpv4.MessageTypeRequest {
		err = wrapNonNil(err, "message type must be either Discover or Request")
	}
	if !pkt.Options.Has(dhcpv4.OptionClassIdentifier) {
		err = wrapNonNil(err, "option 60 not set")
	}
	opt60 := pkt.GetOneOption(dhcpv4.OptionClassIdentifier)
	if !strings.HasPrefix(string(opt60), string(PXEClient)) && !strings.HasPrefix(string(opt60), string(HTTPClient)) {
		err = wrapNonNil(err, "option 60 not PXEClient or HTTPClient")
	}
	if !pkt.Options.Has(dhcpv4.OptionClientSystemArchitectureType) {
		err = wrapNonNil(err, "option 93 not set")
	}
	if !pkt.Options.Has(dhcpv4.OptionClientNetworkInterfaceIdentifier) {
		err = wrapNonNil(err, "option 94 not set")
	}
	guid := pkt.GetOneOption(dhcpv4.OptionClientMachineIdentifier)
	switch len(guid) {
	case 0:
		// missing GUIDs are out of spec but common in the wild; we only
		// mirror the GUID back, so accept them
	case 17:
		if guid[0] != 0 {
			err = wrapNonNil(err, "option 97 does not start with 0")
		}
	default:
		err = wrapNonNil(err, "option 97 has invalid length (must be 0 or 17)")
	}
	return err
}

func wrapNonNil(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %v", err, msg)
}

// LoaderPath returns the TFTP path of the boot loader binary for the
// client's firmware and architecture. Paths live under the whitelisted
// /boot/ tree the TFTP server exports.
func (i Info) LoaderPath() string {
	switch {
	case i.Firmware == data.FirmwareBIOS:
		return "/boot/bios/undionly.kpxe"
	case i.Arch == data.ArchAarch64 || i.Arch == data.ArchArmv7l:
		return "/boot/uefi/snp-arm64.efi"
	default:
		return "/boot/uefi/ipxe.efi"
	}
}

// Hints converts the parsed packet into identity hints for the engine.
func (i Info) Hints() data.IdentityHints {
	return data.IdentityHints{
		MAC:         i.Mac.String(),
		Arch:        i.Arch,
		Firmware:    i.Firmware,
		VendorClass: string(clientTypeFrom(i.Pkt)),
	}
}

// AddRPIOpt43 adds the Raspberry Pi option 43 suboptions required for Pi
// firmware to accept the offer.
// https://www.raspberrypi.org/documentation/computers/raspberry-pi.html#PXE_OPTION43
func (i Info) AddRPIOpt43(opts dhcpv4.Options) []byte {
	if i.RaspberryPI {
		opt9, _ := hex.DecodeString("00001152617370626572727920506920426f6f74") // "\x00\x00\x11Raspberry Pi Boot"
		opts[9] = opt9
		opt10, _ := hex.DecodeString("00505845") // "\x00PXE"
		opts[10] = opt10
	}
	return opts.ToBytes()
}
