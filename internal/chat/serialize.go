package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/aide-ai/aide/internal/logging"
	"github.com/aide-ai/aide/pkg/types"
)

// ToExport returns the portable form of the session.
func (m *Model) ToExport() (types.ExportedSession, error) {
	m.mu.RLock()
	out := types.ExportedSession{
		RequesterUsername:      m.requesterUsername,
		RequesterAvatarIconURI: m.requesterAvatarIconURI,
		ResponderUsername:      m.responderUsername,
		ResponderAvatarIconURI: m.responderAvatarIconURI,
		InitialLocation:        m.initialLocation,
	}
	exchanges := append([]Exchange(nil), m.exchanges...)
	m.mu.RUnlock()

	out.Exchanges = make([]json.RawMessage, 0, len(exchanges))
	for _, ex := range exchanges {
		var (
			data []byte
			err  error
		)
		switch e := ex.(type) {
		case *Request:
			data, err = json.Marshal(e.serialize())
		case *Response:
			var sr types.SerializedResponse
			if sr, err = e.serialize(); err == nil {
				data, err = json.Marshal(sr)
			}
		}
		if err != nil {
			return types.ExportedSession{}, fmt.Errorf("failed to serialize exchange %s: %w", ex.ID(), err)
		}
		out.Exchanges = append(out.Exchanges, data)
	}
	return out, nil
}

// ToJSON returns the versioned on-disk form of the session.
func (m *Model) ToJSON() (types.SerializedSession, error) {
	exported, err := m.ToExport()
	if err != nil {
		return types.SerializedSession{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.SerializedSession{
		Version:         types.SessionFormatVersion,
		SessionID:       m.id,
		CreationDate:    m.creationDate.UnixMilli(),
		LastMessageDate: m.lastMessageDate.UnixMilli(),
		CustomTitle:     m.customTitle,
		ExportedSession: exported,
	}, nil
}

// MarshalJSON encodes the session in its versioned form.
func (m *Model) MarshalJSON() ([]byte, error) {
	s, err := m.ToJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// legacyPair is a version 1 record that held a request and its response together.
type legacyPair struct {
	RequestID    string                `json:"requestId"`
	ResponseID   string                `json:"responseId"`
	Message      json.RawMessage       `json:"message"`
	VariableData types.VariableData    `json:"variableData"`
	Response     json.RawMessage       `json:"response"`
	IsCanceled   bool                  `json:"isCanceled"`
	Vote         types.Vote            `json:"vote"`
	Result       *types.ResponseResult `json:"result"`
	Followups    []types.Followup      `json:"followups"`
}

// Deserialize rebuilds a session from persisted data. Damage below the top
// level is logged and skipped: a non-array exchange list yields an empty
// session and unrecognized exchanges or parts are dropped. Only input that is
// not JSON at all is an error. The returned session is initialized.
func Deserialize(data []byte) (*Model, error) {
	log := logging.Component("chat")
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid session data")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("session data is not an object")
	}

	version := 1
	if v := root.Get("version"); v.Exists() {
		version = int(v.Int())
	}

	m := NewModel(
		WithSessionID(root.Get("sessionId").String()),
		WithUsernames(root.Get("requesterUsername").String(), root.Get("responderUsername").String()),
		WithAvatars(root.Get("requesterAvatarIconUri").String(), root.Get("responderAvatarIconUri").String()),
		WithInitialLocation(root.Get("initialLocation").String()),
	)
	if ms := root.Get("creationDate").Int(); ms > 0 {
		m.creationDate = time.UnixMilli(ms)
	}
	if ms := root.Get("lastMessageDate").Int(); ms > 0 {
		m.lastMessageDate = time.UnixMilli(ms)
	} else {
		m.lastMessageDate = m.creationDate
	}
	m.customTitle = root.Get("customTitle").String()

	exchanges := root.Get("exchanges")
	switch {
	case exchanges.IsArray():
		exchanges.ForEach(func(_, ex gjson.Result) bool {
			if e := m.decodeExchange([]byte(ex.Raw)); e != nil {
				m.exchanges = append(m.exchanges, e)
			}
			return true
		})
	case !exchanges.Exists() && root.Get("requests").IsArray():
		root.Get("requests").ForEach(func(_, pair gjson.Result) bool {
			m.exchanges = append(m.exchanges, m.decodeLegacyPair([]byte(pair.Raw))...)
			return true
		})
	default:
		log.Error().Str("session", m.id).Int("version", version).Msg("malformed session data: exchanges is not an array")
	}

	m.lastExchangeComplete = m.lastCompleteLocked()
	m.initState = InitInitialized
	close(m.initDone)
	return m, nil
}

func (m *Model) decodeExchange(raw []byte) Exchange {
	switch types.ExchangeType(gjson.GetBytes(raw, "type").String()) {
	case types.ExchangeTypeRequest:
		var sr types.SerializedRequest
		if err := json.Unmarshal(raw, &sr); err != nil || sr.ID == "" {
			// Legacy: message stored as a bare string.
			if msg := gjson.GetBytes(raw, "message"); msg.Type == gjson.String && gjson.GetBytes(raw, "id").String() != "" {
				var loose struct {
					types.SerializedRequest
					Message string `json:"message"`
				}
				if err := json.Unmarshal(raw, &loose); err == nil {
					sr = loose.SerializedRequest
					sr.Message = types.ParsedRequest{Text: loose.Message}
					return requestFromSerialized(sr)
				}
			}
			m.log.Error().Err(err).Str("session", m.id).Msg("dropping malformed request")
			return nil
		}
		return requestFromSerialized(sr)

	case types.ExchangeTypeResponse:
		var sr types.SerializedResponse
		if err := json.Unmarshal(raw, &sr); err != nil || sr.ID == "" {
			m.log.Error().Err(err).Str("session", m.id).Msg("dropping malformed response")
			return nil
		}
		return m.responseFromSerialized(sr)

	default:
		m.log.Error().Str("session", m.id).Str("type", gjson.GetBytes(raw, "type").String()).Msg("dropping unknown exchange")
		return nil
	}
}

func (m *Model) decodeLegacyPair(raw []byte) []Exchange {
	var p legacyPair
	if err := json.Unmarshal(raw, &p); err != nil {
		m.log.Error().Err(err).Str("session", m.id).Msg("dropping malformed legacy request")
		return nil
	}
	if p.RequestID == "" {
		p.RequestID = newID("request")
	}
	if p.ResponseID == "" {
		p.ResponseID = newID("response")
	}

	msg := types.ParsedRequest{}
	if s := gjson.ParseBytes(p.Message); s.Type == gjson.String {
		msg.Text = s.String()
	} else if len(p.Message) > 0 {
		_ = json.Unmarshal(p.Message, &msg)
	}

	req := requestFromSerialized(types.SerializedRequest{
		ID:           p.RequestID,
		Message:      msg,
		VariableData: p.VariableData,
	})
	resp := m.responseFromSerialized(types.SerializedResponse{
		ID:         p.ResponseID,
		RequestID:  p.RequestID,
		Value:      p.Response,
		IsComplete: true,
		IsCanceled: p.IsCanceled,
		Vote:       p.Vote,
		Result:     p.Result,
		Followups:  p.Followups,
	})
	return []Exchange{req, resp}
}

func (m *Model) responseFromSerialized(sr types.SerializedResponse) *Response {
	resp := newResponse(sr.ID, sr.RequestID, m.decodeParts(sr.Value), m.notifyContent(sr.ID))
	resp.complete = sr.IsComplete
	resp.canceled = sr.IsCanceled
	resp.vote = sr.Vote
	resp.result = sr.Result
	resp.hasSideEffects = sr.HasSideEffects
	resp.followups = sr.Followups
	resp.usedContext = sr.UsedContext
	resp.contentReferences = sr.ContentReferences
	resp.agent = sr.Agent
	resp.slashCommand = sr.SlashCommand
	if sr.Timestamp > 0 {
		resp.timestamp = time.UnixMilli(sr.Timestamp)
	}
	for _, c := range sr.CodeCitations {
		resp.content.AddCitation(c)
	}
	return resp
}

// decodeParts accepts an array of parts or a bare markdown string.
func (m *Model) decodeParts(raw json.RawMessage) []types.Part {
	if len(raw) == 0 {
		return nil
	}
	v := gjson.ParseBytes(raw)
	switch {
	case v.Type == gjson.String:
		if v.String() == "" {
			return nil
		}
		return []types.Part{types.MarkdownContent{Content: types.Markdown(v.String())}}
	case v.IsArray():
		var parts []types.Part
		v.ForEach(func(_, item gjson.Result) bool {
			p, err := types.UnmarshalPart([]byte(item.Raw))
			if err != nil {
				m.log.Warn().Err(err).Str("session", m.id).Msg("dropping response part")
				return true
			}
			parts = append(parts, p)
			return true
		})
		return parts
	default:
		m.log.Warn().Str("session", m.id).Msg("response value is neither a string nor an array")
		return nil
	}
}
