package data

// BootRequest is the normalized form of an inbound boot protocol request.
// Each protocol surface parses exactly once at the boundary and hands the
// engine one of the variants below.
type BootRequest interface {
	bootRequest()
}

// TFTPReadRequest is a normalized TFTP RRQ.
type TFTPReadRequest struct {
	Path       string
	ClientAddr string
}

// ProxyDHCPRequest is a normalized netboot DHCP request.
type ProxyDHCPRequest struct {
	MAC string
	// Arch and Firmware are hints derived from DHCP option 93.
	Arch     Arch
	Firmware Firmware
	// VendorClass is DHCP option 60 ("PXEClient..." or "HTTPClient...").
	VendorClass string
	// UserClass is DHCP option 77, used to detect iPXE chainload loops.
	UserClass string
}

// HTTPDecisionRequest is a normalized GET /next request.
type HTTPDecisionRequest struct {
	MAC string
}

func (TFTPReadRequest) bootRequest()     {}
func (ProxyDHCPRequest) bootRequest()    {}
func (HTTPDecisionRequest) bootRequest() {}

// IdentityHints is what the identity resolver needs to map a request to a
// Node. MAC or Serial must be set.
type IdentityHints struct {
	MAC         string
	Arch        Arch
	Firmware    Firmware
	VendorClass string
	Serial      string
	ClientIP    string
}

// DecisionKind is the engine's answer category for one boot attempt.
type DecisionKind string

const (
	DecisionInstall DecisionKind = "install"
	DecisionLocal   DecisionKind = "local"
	DecisionDeny    DecisionKind = "deny"
	DecisionAwait   DecisionKind = "await"
)

// Artifact is one concrete boot artifact handed to a booting node.
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"` // kernel, initrd, image, wipe
	URL     string `json:"url"`
	Cmdline string `json:"cmdline,omitempty"`
}

// BootDecision is the engine's answer for a single boot attempt. Rendering a
// decision is deterministic: for a given node and decision the menu bytes are
// byte-identical until state changes.
type BootDecision struct {
	Kind      DecisionKind `json:"decision"`
	NodeID    string       `json:"node_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Artifacts []Artifact   `json:"artifacts,omitempty"`
	// Firmware selects the boot-local instruction and loader paths.
	Firmware Firmware `json:"-"`
	Arch     Arch     `json:"-"`
	// Silent marks a deny that should receive no response at all
	// (nodes in the ignored state).
	Silent bool `json:"-"`
	// Reason is surfaced through audit and history, never to the client.
	Reason string `json:"-"`
}
