// Package types provides the wire and persisted data types shared by the aide packages.
package types

import "encoding/json"

// SessionFormatVersion is the version written by SerializedSession.
// Version 1 had no sessionId/dates, version 2 had no customTitle.
const SessionFormatVersion = 3

// ExchangeType tags a persisted exchange record.
type ExchangeType string

const (
	ExchangeTypeRequest  ExchangeType = "request"
	ExchangeTypeResponse ExchangeType = "response"
)

// ExportedSession is the portable part of a session, without identity or dates.
type ExportedSession struct {
	RequesterUsername      string            `json:"requesterUsername"`
	RequesterAvatarIconURI string            `json:"requesterAvatarIconUri,omitempty"`
	ResponderUsername      string            `json:"responderUsername"`
	ResponderAvatarIconURI string            `json:"responderAvatarIconUri,omitempty"`
	InitialLocation        string            `json:"initialLocation,omitempty"`
	Exchanges              []json.RawMessage `json:"exchanges"`
}

// SerializedSession is the versioned on-disk form of a session.
type SerializedSession struct {
	Version         int    `json:"version"`
	SessionID       string `json:"sessionId"`
	CreationDate    int64  `json:"creationDate"`
	LastMessageDate int64  `json:"lastMessageDate"`
	CustomTitle     string `json:"customTitle,omitempty"`
	ExportedSession
}

// OffsetRange is a character offset span within a request message.
type OffsetRange struct {
	Start int `json:"start"`
	End   int `json:"endExclusive"`
}

// RequestPartKind classifies a parsed span of a request message.
type RequestPartKind string

const (
	RequestPartText     RequestPartKind = "text"
	RequestPartAgent    RequestPartKind = "agent"
	RequestPartCommand  RequestPartKind = "command"
	RequestPartVariable RequestPartKind = "variable"
)

// RequestPart is one parsed span of the request message.
type RequestPart struct {
	Kind  RequestPartKind `json:"kind"`
	Text  string          `json:"text"`
	Range OffsetRange     `json:"range"`
}

// ParsedRequest is the message text plus its structured form.
type ParsedRequest struct {
	Text  string        `json:"text"`
	Parts []RequestPart `json:"parts"`
}

// Variable is an attached context entry (file, selection, symbol...).
type Variable struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Value  json.RawMessage `json:"value,omitempty"`
	Range  *OffsetRange    `json:"range,omitempty"`
	IsFile bool            `json:"isFile,omitempty"`
}

// VariableData wraps the request variables as persisted.
type VariableData struct {
	Variables []Variable `json:"variables"`
}

// LocationData scopes a request to an editor location.
type LocationData struct {
	Kind     string `json:"kind"`
	URI      string `json:"uri,omitempty"`
	Range    *Range `json:"range,omitempty"`
	Selected string `json:"selectedText,omitempty"`
}

// Attachment is a file or image attached to a request.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// SerializedRequest is a persisted request exchange.
type SerializedRequest struct {
	Type                  ExchangeType  `json:"type"`
	ID                    string        `json:"id"`
	Message               ParsedRequest `json:"message"`
	VariableData          VariableData  `json:"variableData"`
	Attempt               int           `json:"attempt"`
	Agent                 string        `json:"agent,omitempty"`
	Command               string        `json:"command,omitempty"`
	Confirmation          string        `json:"confirmation,omitempty"`
	Location              *LocationData `json:"locationData,omitempty"`
	Attachments           []Attachment  `json:"attachments,omitempty"`
	ShouldBeRemovedOnSend bool          `json:"shouldBeRemovedOnSend,omitempty"`
	Timestamp             int64         `json:"timestamp,omitempty"`
}

// Vote is the user's rating of a response.
type Vote string

const (
	VoteNone Vote = ""
	VoteUp   Vote = "up"
	VoteDown Vote = "down"
)

// ErrorDetails describes why a response failed.
type ErrorDetails struct {
	Message              string `json:"message"`
	ResponseIsIncomplete bool   `json:"responseIsIncomplete,omitempty"`
	ResponseIsRedacted   bool   `json:"responseIsRedacted,omitempty"`
}

// ResponseResult is the final outcome of a response.
type ResponseResult struct {
	ErrorDetails *ErrorDetails  `json:"errorDetails,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Followup is a suggested next message.
type Followup struct {
	Message string `json:"message"`
	Title   string `json:"title,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// SerializedResponse is a persisted response exchange. Value is either an
// array of content parts or, in older files, a bare markdown string.
type SerializedResponse struct {
	Type              ExchangeType    `json:"type"`
	ID                string          `json:"id"`
	RequestID         string          `json:"requestId,omitempty"`
	Value             json.RawMessage `json:"response"`
	IsComplete        bool            `json:"isComplete"`
	IsCanceled        bool            `json:"isCanceled,omitempty"`
	Vote              Vote            `json:"vote,omitempty"`
	Result            *ResponseResult `json:"result,omitempty"`
	HasSideEffects    bool            `json:"hasSideEffects,omitempty"`
	Followups         []Followup      `json:"followups,omitempty"`
	UsedContext       *UsedContext    `json:"usedContext,omitempty"`
	ContentReferences []Reference     `json:"contentReferences,omitempty"`
	CodeCitations     []CodeCitation  `json:"codeCitations,omitempty"`
	Agent             string          `json:"agent,omitempty"`
	SlashCommand      string          `json:"slashCommand,omitempty"`
	Timestamp         int64           `json:"timestamp,omitempty"`
}
