// Package netip adapts net/netip types to the flag.Value interface so
// bind addresses and proxy prefixes can be set from the CLI.
package netip

import (
	"fmt"
	"net/netip"
	"strings"
)

// Addr is a flag.Value for a netip.Addr. An empty argument leaves the
// current value untouched so defaults survive empty environment variables.
type Addr struct{ Addr *netip.Addr }

func (a *Addr) Set(s string) error {
	if a == nil || a.Addr == nil {
		return fmt.Errorf("addr flag has no destination")
	}
	if s == "" {
		return nil
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !ip.IsValid() {
		return fmt.Errorf("invalid address: %q", s)
	}
	*a.Addr = ip
	return nil
}

func (a *Addr) String() string {
	if a == nil || a.Addr == nil || !a.Addr.IsValid() {
		return ""
	}
	return a.Addr.String()
}

// Reset returns the destination to its zero value.
func (a *Addr) Reset() error {
	if a == nil || a.Addr == nil {
		return fmt.Errorf("addr flag has no destination")
	}
	*a.Addr = netip.Addr{}
	return nil
}

func (a *Addr) Type() string {
	return "addr"
}

// AddrPort is a flag.Value for a netip.AddrPort in "ip:port" form.
type AddrPort struct{ AddrPort *netip.AddrPort }

func (a *AddrPort) Set(s string) error {
	if a == nil || a.AddrPort == nil {
		return fmt.Errorf("addr:port flag has no destination")
	}
	if s == "" {
		return nil
	}
	ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
	if err != nil || !ap.IsValid() {
		return fmt.Errorf("invalid address:port: %q", s)
	}
	*a.AddrPort = ap
	return nil
}

func (a *AddrPort) String() string {
	if a == nil || a.AddrPort == nil || !a.AddrPort.IsValid() {
		return ""
	}
	return a.AddrPort.String()
}

// Reset returns the destination to its zero value.
func (a *AddrPort) Reset() error {
	if a == nil || a.AddrPort == nil {
		return fmt.Errorf("addr:port flag has no destination")
	}
	*a.AddrPort = netip.AddrPort{}
	return nil
}

func (a *AddrPort) Type() string {
	return "addr:port"
}

// PrefixList is a flag.Value for a comma-separated list of CIDR prefixes.
type PrefixList struct{ Prefixes *[]netip.Prefix }

func (p *PrefixList) Set(s string) error {
	if p == nil || p.Prefixes == nil {
		return fmt.Errorf("prefix list flag has no destination")
	}
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]netip.Prefix, 0, len(parts))
	for _, part := range parts {
		pfx, err := netip.ParsePrefix(strings.TrimSpace(part))
		if err != nil || !pfx.IsValid() {
			return fmt.Errorf("invalid prefix: %q", part)
		}
		out = append(out, pfx)
	}
	*p.Prefixes = out
	return nil
}

func (p *PrefixList) String() string {
	if p == nil || p.Prefixes == nil || len(*p.Prefixes) == 0 {
		return ""
	}
	strs := make([]string, 0, len(*p.Prefixes))
	for _, pfx := range *p.Prefixes {
		strs = append(strs, pfx.String())
	}
	return strings.Join(strs, ",")
}

// Reset clears the destination list.
func (p *PrefixList) Reset() error {
	if p == nil || p.Prefixes == nil {
		return fmt.Errorf("prefix list flag has no destination")
	}
	*p.Prefixes = nil
	return nil
}

func (p *PrefixList) Type() string {
	return "prefix list"
}
