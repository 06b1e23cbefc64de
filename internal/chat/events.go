package chat

import "github.com/aide-ai/aide/pkg/types"

// ChangeKind identifies what changed in a Model.
type ChangeKind string

const (
	ChangeInitialize       ChangeKind = "initialize"
	ChangeAddRequest       ChangeKind = "addRequest"
	ChangeResponse         ChangeKind = "addResponse"
	ChangeCompleteResponse ChangeKind = "completeResponse"
	ChangeCancelRequest    ChangeKind = "cancelRequest"
	ChangeRemoveExchange   ChangeKind = "removeExchange"
	ChangeDisableRequests  ChangeKind = "disableRequests"
	ChangeSetResult        ChangeKind = "setResult"
	ChangeSetVote          ChangeKind = "setVote"
	ChangeSetFollowups     ChangeKind = "setFollowups"
	ChangeSetStage         ChangeKind = "setStage"
	ChangeSetTitle         ChangeKind = "setTitle"
	ChangeMove             ChangeKind = "move"
	ChangePlan             ChangeKind = "plan"
)

// RemovalReason tells observers why an exchange left the session.
type RemovalReason string

const (
	// RemovalReasonRemoval is an explicit user delete.
	RemovalReasonRemoval RemovalReason = "removal"
	// RemovalReasonResend replaces the exchange with a resent request.
	RemovalReasonResend RemovalReason = "resend"
)

// ChangeEvent describes one model mutation. Only the fields relevant to Kind
// are set.
type ChangeEvent struct {
	Kind       ChangeKind
	SessionID  string
	ExchangeID string
	RequestID  string
	Reason     RemovalReason
	IDs        []string
	Move       *types.Move
	Stage      Stage
}
