package types

import "fmt"

// EditStreamEventKind is the phase of a streamed edit.
type EditStreamEventKind string

const (
	EditStreamStart EditStreamEventKind = "Start"
	EditStreamDelta EditStreamEventKind = "Delta"
	EditStreamEnd   EditStreamEventKind = "End"
)

// EditStreamRequest is one event of a streamed file rewrite. A Start opens the
// stream for FsFilePath, Deltas carry text fragments and End closes it. When
// Range is set only the lines it covers are rewritten.
type EditStreamRequest struct {
	Event         EditStreamEventKind `json:"event"`
	FsFilePath    string              `json:"fs_file_path"`
	EditRequestID string              `json:"edit_request_id"`
	SessionID     string              `json:"session_id,omitempty"`
	ExchangeID    string              `json:"exchange_id,omitempty"`
	Range         *Range              `json:"range,omitempty"`
	ApplyDirectly bool                `json:"apply_directly"`
	Delta         string              `json:"delta,omitempty"`
}

// Validate checks the fields required for the event phase.
func (r EditStreamRequest) Validate() error {
	if r.EditRequestID == "" {
		return fmt.Errorf("edit_request_id is required")
	}
	switch r.Event {
	case EditStreamStart:
		if r.FsFilePath == "" {
			return fmt.Errorf("fs_file_path is required on Start")
		}
	case EditStreamDelta, EditStreamEnd:
	default:
		return fmt.Errorf("unknown edit stream event %q", r.Event)
	}
	return nil
}
