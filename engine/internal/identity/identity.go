// Package identity maps inbound boot requests to Node records, creating
// discovered records when auto-discovery permits.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"

	"github.com/pureboot/pureboot/pkg/data"
)

// ErrMalformed marks a request whose identity could not be parsed.
var ErrMalformed = errors.New("malformed identity")

// ErrUnknown means no record matched and auto-discovery is disabled.
var ErrUnknown = errors.New("unknown identity")

// piSerialRE matches a Raspberry-Pi-style 8-hex-char serial used in Pi
// network boot discovery.
var piSerialRE = regexp.MustCompile(`^[0-9a-f]{8}$`)

// Store is the subset of the node store the resolver needs.
type Store interface {
	GetByMAC(ctx context.Context, mac string) (*data.Node, error)
	GetBySerial(ctx context.Context, serial string) (*data.Node, error)
	Create(ctx context.Context, n *data.Node) error
	Update(ctx context.Context, n *data.Node) error
}

// Resolver implements identity resolution. Resolution is idempotent: two
// simultaneous requests for the same MAC yield the same node id because the
// store's unique-MAC constraint is authoritative and lost races retry the
// lookup.
type Resolver struct {
	Store Store
	Log   logr.Logger

	// AutoDiscovery allows unknown MACs to create a discovered node.
	AutoDiscovery bool
	// PiDiscovery allows unknown Pi serials to create a discovered node.
	PiDiscovery bool
	// PiDefaultModel is recorded on Pi-discovered nodes.
	PiDefaultModel string

	NowFunc func() time.Time
	// NewID mints node ids. Defaults to ULIDs.
	NewID func() string
}

func (r *Resolver) now() time.Time {
	if r.NowFunc != nil {
		return r.NowFunc()
	}
	return time.Now()
}

func (r *Resolver) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return ulid.Make().String()
}

// CanonicalMAC normalizes a MAC address to lowercase colon-delimited form.
// Only 48-bit addresses are accepted.
func CanonicalMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformed, s, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%w: %q is not a 48-bit MAC", ErrMalformed, s)
	}
	return strings.ToLower(hw.String()), nil
}

// IsPiSerial reports whether s is a valid Pi discovery serial.
func IsPiSerial(s string) bool {
	return piSerialRE.MatchString(s)
}

// Resolve returns the node for the request, creating a discovered record
// when permitted. New hints fill unknown fields only; a hint that conflicts
// with a recorded value is logged and discarded.
func (r *Resolver) Resolve(ctx context.Context, hints data.IdentityHints) (*data.Node, error) {
	if hints.MAC == "" {
		return nil, fmt.Errorf("%w: missing MAC", ErrMalformed)
	}
	mac, err := CanonicalMAC(hints.MAC)
	if err != nil {
		return nil, err
	}

	n, err := r.Store.GetByMAC(ctx, mac)
	switch {
	case err == nil:
		return r.refresh(ctx, n, hints)
	case errors.Is(err, data.ErrNotFound):
		// fall through to discovery
	default:
		return nil, err
	}

	if !r.AutoDiscovery {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, mac)
	}
	return r.discover(ctx, mac, hints)
}

// ResolveSerial resolves a Pi network-boot request by serial. Pi firmware
// fetches boot files before any DHCP identity is known, so the serial alone
// identifies the node. Discovered Pi nodes are aarch64 UEFI.
func (r *Resolver) ResolveSerial(ctx context.Context, serial string) (*data.Node, error) {
	serial = strings.ToLower(serial)
	if !IsPiSerial(serial) {
		return nil, fmt.Errorf("%w: %q is not a Pi serial", ErrMalformed, serial)
	}

	n, err := r.Store.GetBySerial(ctx, serial)
	switch {
	case err == nil:
		n.LastSeenAt = r.now()
		n.UpdatedAt = r.now()
		if err := r.Store.Update(ctx, n); err != nil {
			return nil, err
		}
		return n, nil
	case errors.Is(err, data.ErrNotFound):
		// fall through to discovery
	default:
		return nil, err
	}

	if !r.PiDiscovery {
		return nil, fmt.Errorf("%w: pi serial %s", ErrUnknown, serial)
	}

	now := r.now()
	n = &data.Node{
		ID:         r.newID(),
		Serial:     serial,
		Model:      r.PiDefaultModel,
		Arch:       data.ArchAarch64,
		Firmware:   data.FirmwareUEFI,
		State:      data.StateDiscovered,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	}
	if err := r.Store.Create(ctx, n); err != nil {
		if errors.Is(err, data.ErrConflict) {
			// lost the creation race; the winner's record is authoritative
			return r.Store.GetBySerial(ctx, serial)
		}
		return nil, err
	}
	r.Log.Info("discovered pi node", "serial", serial, "node", n.ID)
	return n, nil
}

// refresh merges new hints into an existing node and refreshes last-seen.
// Architecture and firmware are set only if previously unknown; a distinct
// recorded value is never overwritten.
func (r *Resolver) refresh(ctx context.Context, n *data.Node, hints data.IdentityHints) (*data.Node, error) {
	if hints.Arch != "" && n.Arch != "" && n.Arch != hints.Arch {
		r.Log.Info("ignoring conflicting architecture hint", "node", n.ID, "recorded", n.Arch, "hint", hints.Arch)
	}
	if hints.Firmware != "" && n.Firmware != "" && n.Firmware != hints.Firmware {
		r.Log.Info("ignoring conflicting firmware hint", "node", n.ID, "recorded", n.Firmware, "hint", hints.Firmware)
	}

	// mergo fills zero-valued destination fields only, which is exactly
	// the "update only if previously unknown" rule.
	patch := data.Node{
		Arch:     hints.Arch,
		Firmware: hints.Firmware,
		Vendor:   vendorFromClass(hints.VendorClass),
		Serial:   hints.Serial,
		IP:       hints.ClientIP,
	}
	if err := mergo.Merge(n, patch); err != nil {
		return nil, fmt.Errorf("merging identity hints: %w", err)
	}

	n.LastSeenAt = r.now()
	n.UpdatedAt = r.now()
	if err := r.Store.Update(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *Resolver) discover(ctx context.Context, mac string, hints data.IdentityHints) (*data.Node, error) {
	now := r.now()
	n := &data.Node{
		ID:         r.newID(),
		MAC:        mac,
		Arch:       hints.Arch,
		Firmware:   hints.Firmware,
		Vendor:     vendorFromClass(hints.VendorClass),
		Serial:     hints.Serial,
		IP:         hints.ClientIP,
		State:      data.StateDiscovered,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	}
	if err := r.Store.Create(ctx, n); err != nil {
		if errors.Is(err, data.ErrConflict) {
			// lost the creation race; retry the lookup
			return r.Store.GetByMAC(ctx, mac)
		}
		return nil, err
	}
	r.Log.Info("discovered node", "mac", mac, "node", n.ID, "arch", n.Arch, "firmware", n.Firmware)
	return n, nil
}

// vendorFromClass extracts a vendor hint from DHCP option 60 style strings,
// for example "PXEClient:Arch:00007:UNDI:003016".
func vendorFromClass(class string) string {
	if class == "" {
		return ""
	}
	if v, _, ok := strings.Cut(class, ":"); ok {
		return v
	}
	return class
}
