// Package data contains the entities owned by the PureBoot repository and
// shared between the engine and the boot protocol gateway.
package data

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Store-level sentinel errors. Backends return these so callers can map them
// to protocol behavior without knowing the backend type.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness constraint was violated,
	// for example a duplicate MAC address or a second active boot session.
	ErrConflict = errors.New("conflict")
	// ErrSelfApproval indicates a vote whose identity equals the approval
	// requester.
	ErrSelfApproval = errors.New("self approval forbidden")
)

// NodeState is the lifecycle state of a Node. The set is closed; the legal
// transition graph lives in the lifecycle package.
type NodeState string

const (
	StateDiscovered     NodeState = "discovered"
	StatePending        NodeState = "pending"
	StateIgnored        NodeState = "ignored"
	StateInstalling     NodeState = "installing"
	StateInstalled      NodeState = "installed"
	StateInstallFailed  NodeState = "install_failed"
	StateActive         NodeState = "active"
	StateReprovision    NodeState = "reprovision"
	StateMigrating      NodeState = "migrating"
	StateRetired        NodeState = "retired"
	StateDecommissioned NodeState = "decommissioned"
	StateWiping         NodeState = "wiping"
)

func (s NodeState) String() string {
	return string(s)
}

// Arch is the CPU architecture of a Node.
type Arch string

const (
	ArchX8664   Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
	ArchArmv7l  Arch = "armv7l"
)

// Firmware is the boot environment of a Node.
type Firmware string

const (
	FirmwareBIOS Firmware = "bios"
	FirmwareUEFI Firmware = "uefi"
)

// Node is the primary entity driven through the lifecycle.
type Node struct {
	ID         string
	MAC        string // canonical lowercase colon form, unique system-wide
	Hostname   string
	IP         string
	Vendor     string
	Model      string
	Serial     string
	SystemUUID string
	Arch       Arch
	Firmware   Firmware
	State      NodeState
	WorkflowID string
	GroupID    string
	SiteID     string
	Tags       []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeenAt time.Time
}

// InstallMethod selects how a workflow's payload is booted.
type InstallMethod string

const (
	InstallMethodKernel  InstallMethod = "kernel"
	InstallMethodSanboot InstallMethod = "sanboot"
	InstallMethodChain   InstallMethod = "chain"
	InstallMethodImage   InstallMethod = "image"
	InstallMethodDeploy  InstallMethod = "deploy"
)

// TaskType enumerates the closed set of workflow task kinds.
type TaskType string

const (
	TaskPXEBoot        TaskType = "pxe_boot"
	TaskImageDeploy    TaskType = "image_deploy"
	TaskDiskWipe       TaskType = "disk_wipe"
	TaskPartition      TaskType = "partition"
	TaskDomainJoin     TaskType = "domain_join"
	TaskScriptRun      TaskType = "script_run"
	TaskPackageInstall TaskType = "package_install"
	TaskReboot         TaskType = "reboot"
	TaskChainBoot      TaskType = "chain_boot"
)

// Task is one step of a workflow. Ordinals are unique within a workflow and
// tasks execute in ascending ordinal order.
type Task struct {
	Ordinal int               `yaml:"ordinal" validate:"gte=0"`
	Type    TaskType          `yaml:"type" validate:"required,oneof=pxe_boot image_deploy disk_wipe partition domain_join script_run package_install reboot chain_boot"`
	Params  map[string]string `yaml:"params"`
	// Timeout overrides the engine default for this task. Zero means default.
	Timeout time.Duration `yaml:"timeout"`
}

// UnmarshalYAML decodes a task with its timeout in Go duration syntax
// ("90s", "5m"), which yaml.v3 cannot map onto time.Duration by itself.
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Ordinal int               `yaml:"ordinal"`
		Type    TaskType          `yaml:"type"`
		Params  map[string]string `yaml:"params"`
		Timeout string            `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Ordinal = raw.Ordinal
	t.Type = raw.Type
	t.Params = raw.Params
	t.Timeout = 0
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("task timeout: %w", err)
		}
		t.Timeout = d
	}
	return nil
}

// Workflow is a named ordered list of installation tasks bound to an
// architecture and firmware.
type Workflow struct {
	ID            string        `yaml:"id" validate:"required"`
	Name          string        `yaml:"name" validate:"required"`
	Arch          Arch          `yaml:"arch" validate:"required,oneof=x86_64 aarch64 armv7l"`
	Firmware      Firmware      `yaml:"firmware" validate:"required,oneof=bios uefi"`
	InstallMethod InstallMethod `yaml:"install_method" validate:"required,oneof=kernel sanboot chain image deploy"`
	KernelRef     string        `yaml:"kernel"`
	InitrdRef     string        `yaml:"initrd"`
	Cmdline       string        `yaml:"cmdline"`
	Tasks         []Task        `yaml:"tasks" validate:"dive"`
}

// SessionStatus is the status of a BootSession.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSucceeded SessionStatus = "succeeded"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
	SessionTimedOut  SessionStatus = "timed_out"
)

// Closed reports whether the session can no longer make progress.
func (s SessionStatus) Closed() bool {
	return s != SessionActive
}

// BootSession represents one installation attempt on one node, tied to one
// workflow. At most one session per node has Status == SessionActive.
type BootSession struct {
	ID             string
	NodeID         string
	WorkflowID     string
	StartedAt      time.Time
	LastProgressAt time.Time
	CurrentTask    int
	Status         SessionStatus
	// Attempts counts failure reports for the current task.
	Attempts int
	// RetryAt is the earliest time the current task should be retried
	// after a failure report. Zero means no retry pending.
	RetryAt time.Time
	// LastSequence is the highest agent report sequence applied.
	LastSequence uint64
	// LastReportID and LastReportAt identify the applied report for the
	// current sequence, used to drop concurrent duplicates.
	LastReportID string
	LastReportAt time.Time
	// CancelledAt is set when an external cancel was requested. The session
	// is closed server-side once the cancel grace period elapses even if
	// the agent never acknowledges.
	CancelledAt time.Time
	// Finalized marks a cancelled session whose node has been rolled back.
	Finalized bool
}

// StateTransition is an append-only history entry. IDs are assigned under
// the node lock and are monotonically increasing per node.
type StateTransition struct {
	ID         string
	NodeID     string
	From       NodeState
	To         NodeState
	Actor      string
	Comment    string
	At         time.Time
	ApprovalID string
}

// ApprovalStatus is the status of an Approval.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// Vote is a single approver's vote on an Approval.
type Vote struct {
	Voter   string
	Approve bool
	At      time.Time
	Comment string
}

// TransitionIntent is the state transition an Approval will commit once
// approved. Saved as the approval payload so the engine can re-invoke the
// state machine without the original caller.
type TransitionIntent struct {
	NodeID  string
	To      NodeState
	Actor   string
	Comment string
}

// Approval gates a state transition behind a quorum of non-requester votes.
type Approval struct {
	ID        string
	NodeID    string
	Operation string
	Requester string
	Quorum    int
	Votes     []Vote
	Status    ApprovalStatus
	ExpiresAt time.Time
	Intent    TransitionIntent
}

// Approvals returns the number of collected approve votes.
func (a Approval) Approvals() int {
	n := 0
	for _, v := range a.Votes {
		if v.Approve {
			n++
		}
	}
	return n
}

// PartitionOpType enumerates partition operation kinds.
type PartitionOpType string

const (
	PartitionOpResize  PartitionOpType = "resize"
	PartitionOpCreate  PartitionOpType = "create"
	PartitionOpDelete  PartitionOpType = "delete"
	PartitionOpFormat  PartitionOpType = "format"
	PartitionOpMove    PartitionOpType = "move"
	PartitionOpSetFlag PartitionOpType = "set_flag"
)

// PartitionOpStatus is the status of a PartitionOperation.
type PartitionOpStatus string

const (
	PartitionOpPending   PartitionOpStatus = "pending"
	PartitionOpRunning   PartitionOpStatus = "running"
	PartitionOpCompleted PartitionOpStatus = "completed"
	PartitionOpFailed    PartitionOpStatus = "failed"
)

// PartitionOperation is a single partition change on one device of one node.
// Operations on the same (node, device) are serialized by ascending Sequence.
type PartitionOperation struct {
	ID       string            `json:"id"`
	NodeID   string            `json:"node_id"`
	Device   string            `json:"device"`
	Sequence int               `json:"sequence"`
	Type     PartitionOpType   `json:"type"`
	Params   map[string]string `json:"params,omitempty"`
	Status   PartitionOpStatus `json:"status"`
}

// Partition describes one partition found by a disk scan.
type Partition struct {
	Number    int    `json:"number"`
	SizeBytes uint64 `json:"size_bytes"`
	FSType    string `json:"fs_type"`
	Label     string `json:"label"`
}

// Disk describes one block device found by a disk scan.
type Disk struct {
	Device     string      `json:"device"`
	SizeBytes  uint64      `json:"size_bytes"`
	Model      string      `json:"model"`
	Serial     string      `json:"serial"`
	Partitions []Partition `json:"partitions"`
}

// DiskScan is the full disk inventory of a node. A new scan replaces the
// previous one atomically; partial updates are not allowed.
type DiskScan struct {
	NodeID     string    `json:"node_id"`
	Disks      []Disk    `json:"disks"`
	ReportedAt time.Time `json:"reported_at"`
}

// ReportKind enumerates agent report kinds.
type ReportKind string

const (
	ReportProgress    ReportKind = "progress"
	ReportCompleted   ReportKind = "completed"
	ReportFailed      ReportKind = "failed"
	ReportFirstBootOK ReportKind = "first_boot_ok"
)

// AgentReport is one message from an in-target or node-local agent.
// Sequence increases monotonically per session; reports at or below the
// applied sequence are acknowledged but have no effect.
type AgentReport struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Sequence    uint64     `json:"sequence"`
	Kind        ReportKind `json:"kind"`
	TaskOrdinal int        `json:"task_ordinal"`
	Message     string     `json:"message"`
	At          time.Time  `json:"at"`
}

// CommitBundle is the node-scoped atomic write unit. The store applies the
// whole bundle transactionally so state and history can never diverge.
type CommitBundle struct {
	// Node is the updated node record, state already set to the target.
	Node *Node
	// Transition is the history row appended with the bundle.
	Transition *StateTransition
	// OpenSession opens a new boot session. The store must reject the
	// bundle with ErrConflict if the node already has an active session.
	OpenSession *BootSession
	// CloseSessionID closes the named session with CloseStatus if it is
	// still active.
	CloseSessionID string
	CloseStatus    SessionStatus
	// UpdateSession replaces an existing session record in the same
	// transaction, used for task progression.
	UpdateSession *BootSession
}

// AuditEvent is a single write-only audit record.
type AuditEvent struct {
	At      time.Time      `json:"at"`
	NodeID  string         `json:"node_id,omitempty"`
	Actor   string         `json:"actor,omitempty"`
	Action  string         `json:"action"`
	Outcome string         `json:"outcome"`
	Detail  map[string]any `json:"detail,omitempty"`
}
