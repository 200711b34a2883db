package flag

import (
	"fmt"
	"net/netip"
	"net/url"

	"github.com/ccoveille/go-safecast/v2"
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/pureboot/pureboot/gateway"
	ntip "github.com/pureboot/pureboot/pkg/flag/netip"
	furl "github.com/pureboot/pureboot/pkg/flag/url"
)

// GatewayConfig carries the gateway flags. Ports are parsed as ints and
// converted to uint16 in Convert; the DHCP bind address and port are split
// so each can be set individually.
type GatewayConfig struct {
	Config *gateway.Config

	TFTPBindPort int
	DHCPBindAddr netip.Addr
	DHCPBindPort int
	HTTPBindPort int
	BaseURL      url.URL
}

func RegisterGatewayFlags(fs *Set, gc *GatewayConfig) {
	// TFTP flags
	fs.Register(TFTPEnabled, ffval.NewValueDefault(&gc.Config.TFTP.Enabled, gc.Config.TFTP.Enabled))
	fs.Register(TFTPBindAddr, &ntip.Addr{Addr: &gc.Config.TFTP.BindAddr})
	fs.Register(TFTPBindPort, ffval.NewValueDefault(&gc.TFTPBindPort, gc.TFTPBindPort))
	fs.Register(TFTPRoot, ffval.NewValueDefault(&gc.Config.TFTP.LoaderRoot, gc.Config.TFTP.LoaderRoot))
	fs.Register(TFTPBlockSize, ffval.NewValueDefault(&gc.Config.TFTP.BlockSize, gc.Config.TFTP.BlockSize))
	fs.Register(TFTPTimeout, ffval.NewValueDefault(&gc.Config.TFTP.Timeout, gc.Config.TFTP.Timeout))
	fs.Register(TFTPWorkers, ffval.NewValueDefault(&gc.Config.TFTP.Workers, gc.Config.TFTP.Workers))
	fs.Register(PiDiscoveryDir, ffval.NewValueDefault(&gc.Config.TFTP.PiRoot, gc.Config.TFTP.PiRoot))

	// ProxyDHCP flags
	fs.Register(DHCPProxyEnabled, ffval.NewValueDefault(&gc.Config.DHCPProxy.Enabled, gc.Config.DHCPProxy.Enabled))
	fs.Register(DHCPProxyBindAddr, &ntip.Addr{Addr: &gc.DHCPBindAddr})
	fs.Register(DHCPProxyBindPort, ffval.NewValueDefault(&gc.DHCPBindPort, gc.DHCPBindPort))
	fs.Register(DHCPProxyListen67, ffval.NewValueDefault(&gc.Config.DHCPProxy.Listen67, gc.Config.DHCPProxy.Listen67))
	fs.Register(DHCPProxyBindInterface, ffval.NewValueDefault(&gc.Config.DHCPProxy.BindInterface, gc.Config.DHCPProxy.BindInterface))
	fs.Register(DHCPProxyNextServer, &ntip.Addr{Addr: &gc.Config.DHCPProxy.IPAddr})

	// HTTP flags
	fs.Register(HTTPEnabled, ffval.NewValueDefault(&gc.Config.HTTP.Enabled, gc.Config.HTTP.Enabled))
	fs.Register(HTTPBindAddr, &ntip.Addr{Addr: &gc.Config.HTTP.BindAddr})
	fs.Register(HTTPBindPort, ffval.NewValueDefault(&gc.HTTPBindPort, gc.HTTPBindPort))
	fs.Register(HTTPBaseURL, &furl.URL{URL: &gc.BaseURL})
	fs.Register(HTTPTrustedProxies, &ntip.PrefixList{Prefixes: &gc.Config.HTTP.TrustedProxies})
	fs.Register(HTTPMaxInFlight, ffval.NewValueDefault(&gc.Config.HTTP.MaxInFlight, gc.Config.HTTP.MaxInFlight))
}

// Convert folds the CLI-only fields back into the gateway config. The
// public IP fills every address left unset.
func (gc *GatewayConfig) Convert(publicIP netip.Addr) error {
	tftpPort, err := safecast.Convert[uint16](gc.TFTPBindPort)
	if err != nil {
		return fmt.Errorf("invalid tftp bind port %d: %w", gc.TFTPBindPort, err)
	}
	gc.Config.TFTP.BindPort = tftpPort

	dhcpPort, err := safecast.Convert[uint16](gc.DHCPBindPort)
	if err != nil {
		return fmt.Errorf("invalid dhcp-proxy bind port %d: %w", gc.DHCPBindPort, err)
	}
	gc.Config.DHCPProxy.BindAddr = netip.AddrPortFrom(gc.DHCPBindAddr, dhcpPort)

	httpPort, err := safecast.Convert[uint16](gc.HTTPBindPort)
	if err != nil {
		return fmt.Errorf("invalid http bind port %d: %w", gc.HTTPBindPort, err)
	}
	gc.Config.HTTP.BindPort = httpPort

	if publicIP.IsValid() && !publicIP.IsUnspecified() {
		if !gc.Config.DHCPProxy.IPAddr.IsValid() || gc.Config.DHCPProxy.IPAddr.IsUnspecified() {
			gc.Config.DHCPProxy.IPAddr = publicIP
		}
	}

	if gc.BaseURL.Host == "" {
		if !publicIP.IsValid() {
			return fmt.Errorf("http base URL is unset and no public IP could be detected")
		}
		gc.BaseURL = url.URL{
			Scheme: "http",
			Host:   netip.AddrPortFrom(publicIP, httpPort).String(),
		}
	}
	gc.Config.HTTP.BaseURL = &gc.BaseURL

	return nil
}

// TFTP flags.
var TFTPEnabled = Config{
	Name:  "tftp-enabled",
	Usage: "[tftp] enable the TFTP server",
}

var TFTPBindAddr = Config{
	Name:  "tftp-bind-addr",
	Usage: "[tftp] TFTP server bind address",
}

var TFTPBindPort = Config{
	Name:  "tftp-bind-port",
	Usage: "[tftp] TFTP server bind port",
}

var TFTPRoot = Config{
	Name:  "tftp-root",
	Usage: "[tftp] directory holding the iPXE and PXE boot loaders",
}

var TFTPBlockSize = Config{
	Name:  "tftp-block-size",
	Usage: "[tftp] TFTP block size per data packet",
}

var TFTPTimeout = Config{
	Name:  "tftp-timeout",
	Usage: "[tftp] per-request timeout",
}

var TFTPWorkers = Config{
	Name:  "tftp-workers",
	Usage: "[tftp] max concurrent transfers",
}

var PiDiscoveryDir = Config{
	Name:  "pi-discovery-dir",
	Usage: "[tftp] directory holding Raspberry Pi firmware and boot files",
}

// ProxyDHCP flags.
var DHCPProxyEnabled = Config{
	Name:  "dhcp-proxy-enabled",
	Usage: "[dhcp] enable the ProxyDHCP responder",
}

var DHCPProxyBindAddr = Config{
	Name:  "dhcp-proxy-bind-addr",
	Usage: "[dhcp] ProxyDHCP bind address",
}

var DHCPProxyBindPort = Config{
	Name:  "dhcp-proxy-bind-port",
	Usage: "[dhcp] primary ProxyDHCP bind port (PXE boot server port)",
}

var DHCPProxyListen67 = Config{
	Name:  "dhcp-proxy-listen-67",
	Usage: "[dhcp] additionally answer broadcast discovers on UDP/67",
}

var DHCPProxyBindInterface = Config{
	Name:  "dhcp-proxy-bind-interface",
	Usage: "[dhcp] network interface to bind, empty for all",
}

var DHCPProxyNextServer = Config{
	Name:  "dhcp-proxy-next-server",
	Usage: "[dhcp] IP clients use to reach the TFTP server (siaddr, opt 54)",
}

// HTTP flags.
var HTTPEnabled = Config{
	Name:  "http-enabled",
	Usage: "[http] enable the HTTP server",
}

var HTTPBindAddr = Config{
	Name:  "http-bind-addr",
	Usage: "[http] HTTP server bind address",
}

var HTTPBindPort = Config{
	Name:  "http-bind-port",
	Usage: "[http] HTTP server bind port",
}

var HTTPBaseURL = Config{
	Name:  "http-base-url",
	Usage: "[http] externally reachable base URL, used in boot menus and kernel cmdlines",
}

var HTTPTrustedProxies = Config{
	Name:  "http-trusted-proxies",
	Usage: "[http] comma separated list of CIDRs allowed to set X-Forwarded-For",
}

var HTTPMaxInFlight = Config{
	Name:  "http-max-inflight",
	Usage: "[http] max concurrent requests before responding 503, 0 for unlimited",
}
