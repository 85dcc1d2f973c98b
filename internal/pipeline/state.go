package pipeline

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type State string

const (
	StateIdle      State = "idle"
	StateApproving State = "approving"
	StateBridging  State = "bridging"
	StateSuccess   State = "success"
	StateError     State = "error"
)

// InFlight reports whether a run currently owns the pipeline.
func (s State) InFlight() bool {
	return s == StateApproving || s == StateBridging
}

// Terminal reports whether s only leaves via Reset or a new Execute.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateError
}

// Result is the artifact of one successful run.
type Result struct {
	// ApprovalTxHash is set only when an approval grant was submitted.
	ApprovalTxHash *common.Hash `json:"approvalTxHash,omitempty"`
	// ResetTxHash is set when a residual allowance was cleared before the grant.
	ResetTxHash  *common.Hash `json:"resetTxHash,omitempty"`
	BridgeTxHash common.Hash  `json:"bridgeTxHash"`
	BlockNumber  uint64       `json:"blockNumber"`

	// ForeignTxID is the Stacks-side mint transaction. The EVM side never learns it; it is
	// filled by consumers that observe Stacks.
	ForeignTxID string `json:"foreignTxId,omitempty"`
	// Network is the Stacks network receiving the funds: "mainnet" or "testnet".
	Network string `json:"network,omitempty"`
}

// Snapshot is a read-only view of the pipeline for UIs.
type Snapshot struct {
	RunID string `json:"runId,omitempty"`
	State State  `json:"state"`

	// Message is the user-facing error message in StateError.
	Message string `json:"message,omitempty"`
	// FailedStep is the state the run was in when it failed.
	FailedStep State `json:"failedStep,omitempty"`

	Request *Request `json:"request,omitempty"`
	Result  *Result  `json:"result,omitempty"`

	// ApprovalTxHash is known as soon as the approval confirms, before Result exists.
	ApprovalTxHash *common.Hash `json:"approvalTxHash,omitempty"`
	BridgeTxHash   *common.Hash `json:"bridgeTxHash,omitempty"`

	StartedAt time.Time `json:"startedAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}
