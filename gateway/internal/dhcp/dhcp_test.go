package dhcp

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/pureboot/pureboot/pkg/data"
)

func netbootPacket(t *testing.T, mods ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	t.Helper()
	base := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
		dhcpv4.WithHwAddr(net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("PXEClient:Arch:00007:UNDI:003016")),
		dhcpv4.WithOption(dhcpv4.OptClientArch(iana.EFI_BC)),
		dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientNetworkInterfaceIdentifier, []byte{1, 3, 16})),
	}
	pkt, err := dhcpv4.New(append(base, mods...)...)
	if err != nil {
		t.Fatalf("building packet: %v", err)
	}
	return pkt
}

func TestArchFromOption93(t *testing.T) {
	tests := map[string]struct {
		arch         iana.Arch
		wantArch     data.Arch
		wantFirmware data.Firmware
	}{
		"bios x86":   {arch: iana.INTEL_X86PC, wantArch: data.ArchX8664, wantFirmware: data.FirmwareBIOS},
		"efi bc":     {arch: iana.EFI_BC, wantArch: data.ArchX8664, wantFirmware: data.FirmwareUEFI},
		"efi x86_64": {arch: iana.EFI_X86_64, wantArch: data.ArchX8664, wantFirmware: data.FirmwareUEFI},
		"efi arm64":  {arch: iana.EFI_ARM64, wantArch: data.ArchAarch64, wantFirmware: data.FirmwareUEFI},
		"unknown":    {arch: iana.Arch(0x00ff), wantArch: data.ArchX8664, wantFirmware: data.FirmwareBIOS},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			pkt := netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptClientArch(tc.arch)))
			info := NewInfo(pkt)
			if info.Arch != tc.wantArch || info.Firmware != tc.wantFirmware {
				t.Errorf("arch/firmware = %s/%s, want %s/%s", info.Arch, info.Firmware, tc.wantArch, tc.wantFirmware)
			}
		})
	}
}

func TestRaspberryPiOverridesOption93(t *testing.T) {
	// Pi 5 firmware reports arch 0, which would otherwise read as BIOS x86
	pkt := netbootPacket(t,
		dhcpv4.WithHwAddr(net.HardwareAddr{0xb8, 0x27, 0xeb, 0x01, 0x02, 0x03}),
		dhcpv4.WithOption(dhcpv4.OptClientArch(iana.INTEL_X86PC)),
	)
	info := NewInfo(pkt)
	if !info.RaspberryPI {
		t.Fatal("Pi OUI not detected")
	}
	if info.Arch != data.ArchAarch64 || info.Firmware != data.FirmwareUEFI {
		t.Errorf("pi arch/firmware = %s/%s, want aarch64/uefi", info.Arch, info.Firmware)
	}
}

func TestIsNetbootClient(t *testing.T) {
	tests := map[string]struct {
		mods        func(t *testing.T) *dhcpv4.DHCPv4
		expectError bool
	}{
		"valid discover": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t)
		}},
		"valid request": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t, dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest))
		}},
		"http client": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptClassIdentifier("HTTPClient:Arch:00016")))
		}},
		"inform rejected": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t, dhcpv4.WithMessageType(dhcpv4.MessageTypeInform))
		}, expectError: true},
		"wrong vendor class": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptClassIdentifier("MSFT 5.0")))
		}, expectError: true},
		"missing option 93": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			pkt := netbootPacket(t)
			pkt.DeleteOption(dhcpv4.OptionClientSystemArchitectureType)
			return pkt
		}, expectError: true},
		"missing option 94": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			pkt := netbootPacket(t)
			pkt.DeleteOption(dhcpv4.OptionClientNetworkInterfaceIdentifier)
			return pkt
		}, expectError: true},
		"guid absent accepted": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t)
		}},
		"guid valid": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			guid := make([]byte, 17)
			return netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, guid)))
		}},
		"guid bad prefix": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			guid := make([]byte, 17)
			guid[0] = 1
			return netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, guid)))
		}, expectError: true},
		"guid bad length": {mods: func(t *testing.T) *dhcpv4.DHCPv4 {
			return netbootPacket(t, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionClientMachineIdentifier, []byte{0, 1, 2})))
		}, expectError: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := IsNetbootClient(tc.mods(t))
			if tc.expectError && err == nil {
				t.Error("IsNetbootClient() = nil, want error")
			}
			if !tc.expectError && err != nil {
				t.Errorf("IsNetbootClient() = %v, want nil", err)
			}
		})
	}
}

func TestLoaderPath(t *testing.T) {
	tests := map[string]struct {
		info Info
		want string
	}{
		"bios":  {info: Info{Arch: data.ArchX8664, Firmware: data.FirmwareBIOS}, want: "/boot/bios/undionly.kpxe"},
		"uefi":  {info: Info{Arch: data.ArchX8664, Firmware: data.FirmwareUEFI}, want: "/boot/uefi/ipxe.efi"},
		"arm64": {info: Info{Arch: data.ArchAarch64, Firmware: data.FirmwareUEFI}, want: "/boot/uefi/snp-arm64.efi"},
		"armv7": {info: Info{Arch: data.ArchArmv7l, Firmware: data.FirmwareUEFI}, want: "/boot/uefi/snp-arm64.efi"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := tc.info.LoaderPath(); got != tc.want {
				t.Errorf("LoaderPath() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHintsCarryPacketIdentity(t *testing.T) {
	info := NewInfo(netbootPacket(t))
	want := data.IdentityHints{
		MAC:         "aa:bb:cc:dd:ee:ff",
		Arch:        data.ArchX8664,
		Firmware:    data.FirmwareUEFI,
		VendorClass: "PXEClient",
	}
	if diff := cmp.Diff(want, info.Hints()); diff != "" {
		t.Errorf("hints mismatch (-want +got):\n%s", diff)
	}
}

func TestAddRPIOpt43(t *testing.T) {
	info := Info{RaspberryPI: true}
	opts := dhcpv4.Options{6: []byte{8}}
	info.AddRPIOpt43(opts)
	if string(opts[9]) != "\x00\x00\x11Raspberry Pi Boot" {
		t.Errorf("suboption 9 = %q", opts[9])
	}
	if string(opts[10]) != "\x00PXE" {
		t.Errorf("suboption 10 = %q", opts[10])
	}

	plain := Info{}
	opts = dhcpv4.Options{6: []byte{8}}
	plain.AddRPIOpt43(opts)
	if _, ok := opts[9]; ok {
		t.Error("non-Pi client got Pi suboptions")
	}
}
