package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pin/tftp/v3"

	"github.com/pureboot/pureboot/gateway/internal/menu"
	"github.com/pureboot/pureboot/pkg/data"
)

// macDashRE captures a dash-delimited MAC from pxelinux/grub config paths.
var (
	pxelinuxRE = regexp.MustCompile(`^/?pxelinux\.cfg/01-([0-9a-f]{2}(?:-[0-9a-f]{2}){5})$`)
	grubRE     = regexp.MustCompile(`^/?grub/grub\.cfg-01-([0-9a-f]{2}(?:-[0-9a-f]{2}){5})$`)
	nodeRE     = regexp.MustCompile(`^/?nodes/([^/]+)/([A-Za-z0-9._-]+)$`)
	piRE       = regexp.MustCompile(`^/?([0-9a-f]{8})/(.+)$`)
)

// Engine is the decision surface the TFTP routes consult. TFTP reads never
// take node locks beyond what the decision core itself does.
type Engine interface {
	NextDecision(ctx context.Context, hints data.IdentityHints) (*data.BootDecision, error)
	DecidePiBoot(ctx context.Context, serial string) (*data.BootDecision, error)
	OpenNodeArtifact(ctx context.Context, nodeID, name string) (io.ReadCloser, int64, error)
}

// Routes builds the TFTP handler mapping.
type Routes struct {
	Log    logr.Logger
	Engine Engine
	// LoaderRoot is the local directory holding loader binaries under
	// bios/ and uefi/.
	LoaderRoot string
	// PiRoot is the local directory holding shared Raspberry Pi boot
	// files served under the per-serial prefix.
	PiRoot string
	// RequestTimeout bounds each request's engine work.
	RequestTimeout time.Duration
}

func (r *Routes) timeout() time.Duration {
	if r.RequestTimeout > 0 {
		return r.RequestTimeout
	}
	return 15 * time.Second
}

// Mapping returns the route table. Order within the mux does not matter;
// the patterns are disjoint.
func (r *Routes) Mapping() HandlerMapping {
	return HandlerMapping{
		`^/?boot/(bios|uefi)/[A-Za-z0-9._-]+$`: r.loader,
		pxelinuxRE.String():                    r.pxelinux,
		grubRE.String():                        r.grub,
		nodeRE.String():                        r.nodeArtifact,
		piRE.String():                          r.pi,
	}
}

// loader serves boot loader binaries from the whitelisted local tree.
func (r *Routes) loader(filename string, rf io.ReaderFrom) error {
	rel := strings.TrimPrefix(path.Clean("/"+filename), "/boot/")
	return serveLocal(filepath.Join(r.LoaderRoot, filepath.FromSlash(rel)), rf)
}

// pxelinux renders the PXELINUX config for the MAC embedded in the path.
func (r *Routes) pxelinux(filename string, rf io.ReaderFrom) error {
	return r.menuByMAC(pxelinuxRE, menu.FormatPXELINUX, filename, rf)
}

// grub renders the GRUB config for the MAC embedded in the path.
func (r *Routes) grub(filename string, rf io.ReaderFrom) error {
	return r.menuByMAC(grubRE, menu.FormatGRUB, filename, rf)
}

func (r *Routes) menuByMAC(re *regexp.Regexp, format menu.Format, filename string, rf io.ReaderFrom) error {
	m := re.FindStringSubmatch(filename)
	if m == nil {
		return ErrNotFound
	}
	mac := strings.ReplaceAll(m[1], "-", ":")

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()
	decision, err := r.Engine.NextDecision(ctx, data.IdentityHints{MAC: mac})
	if err != nil {
		r.Log.V(1).Info("no decision for tftp menu", "mac", mac, "reason", err.Error())
		return ErrNotFound
	}
	body, err := menu.Render(format, decision)
	if err != nil {
		r.Log.Error(err, "rendering tftp menu", "mac", mac, "format", format)
		return ErrNotFound
	}
	if body == nil {
		// silent deny
		return ErrNotFound
	}
	return sendBytes(body, rf)
}

// nodeArtifact streams a node's install artifact by name.
func (r *Routes) nodeArtifact(filename string, rf io.ReaderFrom) error {
	m := nodeRE.FindStringSubmatch(filename)
	if m == nil {
		return ErrNotFound
	}
	nodeID, name := m[1], m[2]

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()
	rc, size, err := r.Engine.OpenNodeArtifact(ctx, nodeID, name)
	if err != nil {
		r.Log.V(1).Info("node artifact unavailable", "node", nodeID, "artifact", name, "reason", err.Error())
		return ErrNotFound
	}
	defer rc.Close()

	setSize(rf, size)
	if _, err := rf.ReadFrom(rc); err != nil {
		return fmt.Errorf("streaming %s for node %s: %w", name, nodeID, err)
	}
	return nil
}

// pi handles Raspberry Pi serial-prefixed requests. The request itself is
// the discovery event; files are served from the shared Pi boot tree once
// the engine allows the boot.
func (r *Routes) pi(filename string, rf io.ReaderFrom) error {
	m := piRE.FindStringSubmatch(filename)
	if m == nil {
		return ErrNotFound
	}
	serial, rel := m[1], m[2]

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()
	decision, err := r.Engine.DecidePiBoot(ctx, serial)
	if err != nil {
		r.Log.V(1).Info("pi boot refused", "serial", serial, "reason", err.Error())
		return ErrNotFound
	}
	if decision.Kind == data.DecisionDeny {
		return ErrNotFound
	}
	return serveLocal(filepath.Join(r.PiRoot, filepath.FromSlash(path.Clean("/"+rel))), rf)
}

// serveLocal streams a file from disk, guarding against path escapes via
// the callers' path.Clean.
func serveLocal(full string, rf io.ReaderFrom) error {
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		setSize(rf, info.Size())
	}
	if _, err := rf.ReadFrom(f); err != nil {
		return fmt.Errorf("sending %s: %w", full, err)
	}
	return nil
}

func sendBytes(body []byte, rf io.ReaderFrom) error {
	setSize(rf, int64(len(body)))
	if _, err := rf.ReadFrom(strings.NewReader(string(body))); err != nil {
		return fmt.Errorf("sending menu: %w", err)
	}
	return nil
}

// setSize advertises tsize when the client negotiated it.
func setSize(rf io.ReaderFrom, n int64) {
	if t, ok := rf.(tftp.OutgoingTransfer); ok && n >= 0 {
		t.SetSize(n)
	}
}
