// Package artifact resolves logical template references and per-node
// placeholders to concrete boot artifacts.
package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/pureboot/pureboot/pkg/data"
)

// DefaultFetchTimeout is the hard deadline for an artifact origin fetch.
const DefaultFetchTimeout = 30 * time.Second

// placeholderRE matches {node.field} references in template strings.
var placeholderRE = regexp.MustCompile(`\{node\.([a-z_]+)\}`)

// TemplateError reports an unresolved placeholder. Mirrored by the engine's
// boundary error of the same name.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unresolved template placeholder %q", e.Placeholder)
}

// Blobs is the storage interface artifacts are resolved against.
type Blobs interface {
	Resolve(ctx context.Context, ref string) (*url.URL, error)
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, string, error)
}

// Resolver maps workflow template references to concrete artifacts.
// Placeholder expansion happens at decision time and is never cached across
// state changes.
type Resolver struct {
	Blobs Blobs
	// BaseURL is the engine's node-facing HTTP base, used in the kernel
	// cmdline so the in-target agent can reach the agent channel.
	BaseURL *url.URL
	// FetchTimeout bounds each origin fetch. Zero means the default.
	FetchTimeout time.Duration
	// FetchAttempts is the number of fetch tries. Zero means 3.
	FetchAttempts uint
}

// Expand substitutes {node.*} placeholders. Unknown placeholders fail with
// TemplateError.
func Expand(tpl string, node *data.Node) (string, error) {
	var badPlaceholder string
	out := placeholderRE.ReplaceAllStringFunc(tpl, func(m string) string {
		field := placeholderRE.FindStringSubmatch(m)[1]
		switch field {
		case "id":
			return node.ID
		case "mac":
			return node.MAC
		case "hostname":
			return node.Hostname
		case "serial":
			return node.Serial
		case "ip":
			return node.IP
		case "arch":
			return string(node.Arch)
		case "firmware":
			return string(node.Firmware)
		default:
			if badPlaceholder == "" {
				badPlaceholder = m
			}
			return m
		}
	})
	if badPlaceholder != "" {
		return "", &TemplateError{Placeholder: badPlaceholder}
	}
	return out, nil
}

// Cmdline renders the kernel command line for an installing node. The
// pureboot.* parameters are always present so the in-target agent can reach
// the agent channel.
func (r *Resolver) Cmdline(node *data.Node, wf *data.Workflow) (string, error) {
	expanded, err := Expand(wf.Cmdline, node)
	if err != nil {
		return "", err
	}
	params := []string{
		"pureboot.server=" + r.BaseURL.String(),
		"pureboot.node_id=" + node.ID,
		"pureboot.mac=" + node.MAC,
	}
	if expanded != "" {
		return expanded + " " + strings.Join(params, " "), nil
	}
	return strings.Join(params, " "), nil
}

// Render resolves the install artifact set for the node and workflow.
func (r *Resolver) Render(ctx context.Context, node *data.Node, wf *data.Workflow) ([]data.Artifact, error) {
	cmdline, err := r.Cmdline(node, wf)
	if err != nil {
		return nil, err
	}

	var artifacts []data.Artifact
	for _, ref := range []struct{ name, kind, ref string }{
		{"kernel", "kernel", wf.KernelRef},
		{"initrd", "initrd", wf.InitrdRef},
	} {
		if ref.ref == "" {
			continue
		}
		expanded, err := Expand(ref.ref, node)
		if err != nil {
			return nil, err
		}
		u, err := r.Blobs.Resolve(ctx, expanded)
		if err != nil {
			return nil, fmt.Errorf("resolving %s %q: %w", ref.name, expanded, err)
		}
		a := data.Artifact{Name: ref.name, Kind: ref.kind, URL: u.String()}
		if ref.kind == "kernel" {
			a.Cmdline = cmdline
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// Open streams an artifact from its origin with retries and the fetch
// deadline. Exceeding the deadline surfaces as a task failure upstream.
func (r *Resolver) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	timeout := r.FetchTimeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}
	attempts := r.FetchAttempts
	if attempts == 0 {
		attempts = 3
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	var (
		rc   io.ReadCloser
		size int64
	)
	err := retry.Do(
		func() error {
			u, err := r.Blobs.Resolve(ctx, ref)
			if err != nil {
				return err
			}
			stream, n, _, err := r.Blobs.Open(ctx, u)
			if err != nil {
				return err
			}
			rc, size = stream, n
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("opening artifact %q: %w", ref, err)
	}
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}, size, nil
}

// cancelReadCloser ties the fetch deadline to the stream lifetime.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
