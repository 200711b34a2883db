// Package gateway runs the boot protocol surfaces of PureBoot: ProxyDHCP,
// TFTP, and HTTP, all answering from the lifecycle engine's decision core.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"time"

	"github.com/go-logr/logr"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"golang.org/x/sync/errgroup"

	"github.com/pureboot/pureboot/engine"
	dhcpinternal "github.com/pureboot/pureboot/gateway/internal/dhcp"
	httpinternal "github.com/pureboot/pureboot/gateway/internal/http"
	tftpinternal "github.com/pureboot/pureboot/gateway/internal/tftp"
)

// Config holds the gateway services. Enabling and disabling individual
// surfaces is controlled per service.
type Config struct {
	Logger logr.Logger
	Engine *engine.Engine

	TFTP      TFTP
	DHCPProxy DHCPProxy
	HTTP      HTTP
}

// TFTP is the TFTP surface configuration.
type TFTP struct {
	Enabled    bool
	BindAddr   netip.Addr
	BindPort   uint16
	LoaderRoot string
	PiRoot     string
	BlockSize  int
	Timeout    time.Duration
	Workers    int
}

// DHCPProxy is the ProxyDHCP surface configuration. BindAddr is the primary
// listener on the PXE boot server port (4011); Listen67 additionally answers
// broadcast discovers on the DHCP server port for clients that never speak
// to port 4011 directly.
type DHCPProxy struct {
	Enabled       bool
	BindAddr      netip.AddrPort
	Listen67      bool
	BindInterface string
	// IPAddr is the address clients can reach the gateway on; used in
	// siaddr, sname, and option 54.
	IPAddr netip.Addr
}

// HTTP is the HTTP surface configuration.
type HTTP struct {
	Enabled  bool
	BindAddr netip.Addr
	BindPort uint16
	// BaseURL is the externally reachable URL of this HTTP surface, used
	// in DHCP bootfile names and kernel cmdlines.
	BaseURL *url.URL
	// TrustedProxies lists networks allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
	// MaxInFlight caps concurrent requests; requests over the cap get a
	// 503. Zero means unlimited.
	MaxInFlight int
}

// Start runs the enabled services until ctx is done or one of them fails.
func (c *Config) Start(ctx context.Context) error {
	if c.Engine == nil {
		return errors.New("gateway: engine is required")
	}
	log := c.Logger

	g, ctx := errgroup.WithContext(ctx)

	if c.HTTP.Enabled {
		api := &httpinternal.API{
			Log:            log.WithName("http"),
			Engine:         c.Engine,
			StartTime:      time.Now(),
			TrustedProxies: c.HTTP.TrustedProxies,
			MaxInFlight:    c.HTTP.MaxInFlight,
		}
		server := &httpinternal.ServerConfig{Logger: log.WithName("http")}
		addr := netip.AddrPortFrom(c.HTTP.BindAddr, c.HTTP.BindPort).String()
		log.Info("serving http", "addr", addr, "base_url", c.HTTP.BaseURL.String())
		g.Go(func() error {
			return server.Serve(ctx, addr, api.Handler())
		})
	}

	if c.TFTP.Enabled {
		routes := &tftpinternal.Routes{
			Log:        log.WithName("tftp"),
			Engine:     c.Engine,
			LoaderRoot: c.TFTP.LoaderRoot,
			PiRoot:     c.TFTP.PiRoot,
		}
		server := &tftpinternal.Config{
			Logger:    log.WithName("tftp"),
			BlockSize: c.TFTP.BlockSize,
			Timeout:   c.TFTP.Timeout,
			Workers:   c.TFTP.Workers,
		}
		addr := netip.AddrPortFrom(c.TFTP.BindAddr, c.TFTP.BindPort).String()
		log.Info("serving tftp", "addr", addr, "loader_root", c.TFTP.LoaderRoot)
		g.Go(func() error {
			return server.Serve(ctx, addr, routes.Mapping())
		})
	}

	if c.DHCPProxy.Enabled {
		handler := &dhcpinternal.Handler{
			Log:      log.WithName("dhcp"),
			Engine:   c.Engine,
			IPAddr:   c.DHCPProxy.IPAddr,
			TFTPAddr: netip.AddrPortFrom(c.TFTP.BindAddr, c.TFTP.BindPort),
			MenuURL:  c.menuURL,
		}
		addrs := []netip.AddrPort{c.DHCPProxy.BindAddr}
		if c.DHCPProxy.Listen67 {
			addrs = append(addrs, netip.AddrPortFrom(c.DHCPProxy.BindAddr.Addr(), 67))
		}
		for _, addr := range addrs {
			log.Info("serving proxy dhcp", "addr", addr.String())
			g.Go(func() error {
				conn, err := server4.NewIPv4UDPConn(c.DHCPProxy.BindInterface, net.UDPAddrFromAddrPort(addr))
				if err != nil {
					return fmt.Errorf("binding dhcp listener %s: %w", addr, err)
				}
				defer conn.Close()
				server := &dhcpinternal.Server{Log: log.WithName("dhcp"), Conn: conn, Handler: handler}
				return server.Serve(ctx)
			})
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("running gateway services: %w", err)
	}
	log.Info("gateway is shutting down", "reason", ctx.Err())
	return nil
}

// menuURL builds the per-MAC iPXE menu script URL served by the HTTP
// surface.
func (c *Config) menuURL(mac net.HardwareAddr) *url.URL {
	if c.HTTP.BaseURL == nil {
		return nil
	}
	return c.HTTP.BaseURL.JoinPath("api", "v1", "menus", mac.String()+".ipxe")
}
