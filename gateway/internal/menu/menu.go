// Package menu renders boot decisions into iPXE, GRUB, and PXELINUX menu
// bodies. Rendering is deterministic: the same node and decision always
// produce byte-identical output.
package menu

import (
	"fmt"
	"strings"

	"github.com/pureboot/pureboot/pkg/data"
	"github.com/pureboot/pureboot/pkg/template"
)

// Format is a menu dialect.
type Format string

const (
	FormatIPXE     Format = "ipxe"
	FormatGRUB     Format = "grub"
	FormatPXELINUX Format = "pxelinux"
)

// Boot-local bodies. These bytes are contractual; clients match on them.
const (
	localPXELINUX = "LOCALBOOT 0\n"
	localIPXE     = "sanboot --drive 0x80\n"
	localGRUB     = "chainloader (hd0)+1\nboot\n"
)

const ipxeInstall = `#!ipxe
echo PureBoot installing node {{ .NodeID }}
kernel {{ .Kernel.URL }}{{ if .Kernel.Cmdline }} {{ .Kernel.Cmdline }}{{ end }}
{{- if .Initrd }}
initrd {{ .Initrd.URL }}
{{- end }}
boot
`

const grubInstall = `set timeout=0
menuentry 'PureBoot install' {
  linux {{ .Kernel.Path }}{{ if .Kernel.Cmdline }} {{ .Kernel.Cmdline }}{{ end }}
{{- if .Initrd }}
  initrd {{ .Initrd.Path }}
{{- end }}
}
`

const pxelinuxInstall = `DEFAULT install
PROMPT 0
TIMEOUT 0
LABEL install
  KERNEL {{ .Kernel.Path }}
{{- if .Initrd }}
  INITRD {{ .Initrd.Path }}
{{- end }}
{{- if .Kernel.Cmdline }}
  APPEND {{ .Kernel.Cmdline }}
{{- end }}
`

const ipxeAwait = `#!ipxe
echo This machine is awaiting assignment.
echo Node will be retried in 30 seconds.
sleep 30
reboot
`

const grubAwait = `set timeout=30
menuentry 'Awaiting assignment' {
  reboot
}
`

const pxelinuxAwait = `DEFAULT await
PROMPT 1
TIMEOUT 300
SAY This machine is awaiting assignment.
LABEL await
  LOCALBOOT -1
`

type artifactView struct {
	URL     string
	Path    string
	Cmdline string
}

type installView struct {
	NodeID string
	Kernel artifactView
	Initrd *artifactView
}

// Render produces the menu body for a decision. Silent denies return nil so
// protocol layers can withhold any response.
func Render(format Format, d *data.BootDecision) ([]byte, error) {
	switch d.Kind {
	case data.DecisionLocal:
		return bootLocal(format)
	case data.DecisionDeny:
		if d.Silent {
			return nil, nil
		}
		return denied(format)
	case data.DecisionAwait:
		return await(format)
	case data.DecisionInstall:
		return install(format, d)
	default:
		return nil, fmt.Errorf("no menu for decision %q", d.Kind)
	}
}

func bootLocal(format Format) ([]byte, error) {
	switch format {
	case FormatIPXE:
		return []byte(localIPXE), nil
	case FormatGRUB:
		return []byte(localGRUB), nil
	case FormatPXELINUX:
		return []byte(localPXELINUX), nil
	default:
		return nil, fmt.Errorf("unknown menu format %q", format)
	}
}

func denied(format Format) ([]byte, error) {
	switch format {
	case FormatIPXE:
		return []byte("#!ipxe\necho Boot denied.\nshell\n"), nil
	case FormatGRUB:
		return []byte("set timeout=0\nmenuentry 'Boot denied' {\n  halt\n}\n"), nil
	case FormatPXELINUX:
		return []byte("DEFAULT deny\nPROMPT 1\nSAY Boot denied.\nLABEL deny\n  LOCALBOOT -1\n"), nil
	default:
		return nil, fmt.Errorf("unknown menu format %q", format)
	}
}

func await(format Format) ([]byte, error) {
	switch format {
	case FormatIPXE:
		return []byte(ipxeAwait), nil
	case FormatGRUB:
		return []byte(grubAwait), nil
	case FormatPXELINUX:
		return []byte(pxelinuxAwait), nil
	default:
		return nil, fmt.Errorf("unknown menu format %q", format)
	}
}

func install(format Format, d *data.BootDecision) ([]byte, error) {
	view := installView{NodeID: d.NodeID}
	for _, a := range d.Artifacts {
		av := artifactView{URL: a.URL, Path: tftpPath(a.URL), Cmdline: a.Cmdline}
		switch a.Kind {
		case "kernel":
			view.Kernel = av
		case "initrd":
			c := av
			view.Initrd = &c
		}
	}
	if view.Kernel.URL == "" {
		return nil, fmt.Errorf("install decision for node %s has no kernel artifact", d.NodeID)
	}

	var tpl string
	switch format {
	case FormatIPXE:
		tpl = ipxeInstall
	case FormatGRUB:
		tpl = grubInstall
	case FormatPXELINUX:
		tpl = pxelinuxInstall
	default:
		return nil, fmt.Errorf("unknown menu format %q", format)
	}
	return template.Render(string(format), tpl, view)
}

// tftpPath strips the scheme and host so GRUB and PXELINUX, which fetch over
// TFTP relative to the server root, get a plain path.
func tftpPath(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.Index(rest, "/"); j >= 0 {
			return rest[j:]
		}
		return "/"
	}
	return u
}
