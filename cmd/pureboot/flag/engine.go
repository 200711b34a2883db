package flag

import (
	"github.com/peterbourgon/ff/v4/ffval"

	"github.com/pureboot/pureboot/engine"
)

// EngineConfig carries the lifecycle engine flags.
type EngineConfig struct {
	Config *engine.Config
	// ArtifactDir is the local directory artifact references resolve
	// against.
	ArtifactDir string
}

func RegisterEngineFlags(fs *Set, ec *EngineConfig) {
	// Discovery flags
	fs.Register(AutoDiscoveryEnabled, ffval.NewValueDefault(&ec.Config.AutoDiscovery, ec.Config.AutoDiscovery))
	fs.Register(PiDiscoveryEnabled, ffval.NewValueDefault(&ec.Config.PiDiscovery, ec.Config.PiDiscovery))
	fs.Register(PiDiscoveryDefaultModel, ffval.NewValueDefault(&ec.Config.PiDefaultModel, ec.Config.PiDefaultModel))

	// Workflow flags
	fs.Register(RetryMaxAttempts, ffval.NewValueDefault(&ec.Config.MaxAttempts, ec.Config.MaxAttempts))
	fs.Register(RetryInitialBackoff, ffval.NewValueDefault(&ec.Config.InitialBackoff, ec.Config.InitialBackoff))
	fs.Register(TaskDefaultTimeout, ffval.NewValueDefault(&ec.Config.DefaultTaskTimeout, ec.Config.DefaultTaskTimeout))
	fs.Register(SessionCancelGrace, ffval.NewValueDefault(&ec.Config.CancelGrace, ec.Config.CancelGrace))

	// Arbitration flags
	fs.Register(LockWait, ffval.NewValueDefault(&ec.Config.LockWait, ec.Config.LockWait))
	fs.Register(DedupWindow, ffval.NewValueDefault(&ec.Config.DedupWindow, ec.Config.DedupWindow))

	// Approval flags
	fs.Register(ApprovalGatedOps, ffval.NewList(&ec.Config.GatedOps))
	fs.Register(ApprovalQuorum, ffval.NewValueDefault(&ec.Config.Quorum, ec.Config.Quorum))
	fs.Register(ApprovalTTL, ffval.NewValueDefault(&ec.Config.ApprovalTTL, ec.Config.ApprovalTTL))

	// Artifact flags
	fs.Register(ArtifactDir, ffval.NewValueDefault(&ec.ArtifactDir, ec.ArtifactDir))
}

// Discovery flags.
var AutoDiscoveryEnabled = Config{
	Name:  "auto-discovery-enabled",
	Usage: "[engine] register unknown MACs as discovered nodes instead of ignoring them",
}

var PiDiscoveryEnabled = Config{
	Name:  "pi-discovery-enabled",
	Usage: "[engine] register unknown Raspberry Pi serials seen over TFTP",
}

var PiDiscoveryDefaultModel = Config{
	Name:  "pi-discovery-default-model",
	Usage: "[engine] model label applied to Pi nodes discovered over TFTP",
}

// Workflow flags.
var RetryMaxAttempts = Config{
	Name:  "retry-max-attempts",
	Usage: "[engine] attempts per workflow task before the session fails",
}

var RetryInitialBackoff = Config{
	Name:  "retry-initial-backoff",
	Usage: "[engine] delay before the first task retry; later retries back off exponentially",
}

var TaskDefaultTimeout = Config{
	Name:  "task-default-timeout",
	Usage: "[engine] timeout for a task that sets none itself",
}

var SessionCancelGrace = Config{
	Name:  "session-cancel-grace",
	Usage: "[engine] how long a cancelled session may keep reporting before it is forced closed",
}

// Arbitration flags.
var LockWait = Config{
	Name:  "lock-wait",
	Usage: "[engine] max wait for a node's lock before answering busy",
}

var DedupWindow = Config{
	Name:  "dedup-window",
	Usage: "[engine] window in which identical boot queries share one decision",
}

// Approval flags.
var ApprovalGatedOps = Config{
	Name:  "approval-gated-ops",
	Usage: "[engine] comma separated transitions that require an approval",
}

var ApprovalQuorum = Config{
	Name:  "approval-quorum",
	Usage: "[engine] approving votes required to commit a gated transition",
}

var ApprovalTTL = Config{
	Name:  "approval-ttl",
	Usage: "[engine] how long a pending approval lives before it expires",
}

// Artifact flags.
var ArtifactDir = Config{
	Name:  "artifact-dir",
	Usage: "[engine] local directory kernel and initrd references resolve against",
}
