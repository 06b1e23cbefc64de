package event

// SessionCreatedData is the data for session.created events.
type SessionCreatedData struct {
	SessionID string `json:"sessionId"`
}

// SessionDeletedData is the data for session.deleted events.
type SessionDeletedData struct {
	SessionID string `json:"sessionId"`
}

// SessionChangedData is the data for session.changed events. Kind mirrors the
// chat model change kind (addRequest, removeExchange, progress...).
type SessionChangedData struct {
	SessionID  string `json:"sessionId"`
	Kind       string `json:"kind"`
	ExchangeID string `json:"exchangeId,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ExchangeStageData is the data for exchange.stage events.
type ExchangeStageData struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	Stage      string `json:"stage"`
}

// WorkingSetChangedData is the data for workingset.changed events.
type WorkingSetChangedData struct {
	SessionID string `json:"sessionId"`
	URI       string `json:"uri,omitempty"`
	Undecided int    `json:"undecided"`
}

// EntryStateChangedData is the data for workingset.entry.state events.
type EntryStateChangedData struct {
	SessionID string `json:"sessionId"`
	URI       string `json:"uri"`
	State     string `json:"state"`
}

// FileEditedData is the data for file.edited events.
type FileEditedData struct {
	SessionID string `json:"sessionId,omitempty"`
	File      string `json:"file"`
}

// NotificationErrorData is the data for notification.error events.
type NotificationErrorData struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// StreamClosedData is the data for stream.closed events.
type StreamClosedData struct {
	SessionID  string `json:"sessionId"`
	ExchangeID string `json:"exchangeId"`
	Stage      string `json:"stage"`
}

// EditingDisposedData is the data for editing.disposed events.
type EditingDisposedData struct {
	SessionID string `json:"sessionId"`
}
