package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// PartKind discriminates response content parts and progress fragments.
type PartKind string

// Content part kinds. These are persisted as the "kind" field of each part.
const (
	KindMarkdownContent PartKind = "markdownContent"
	KindTreeData        PartKind = "treeData"
	KindInlineReference PartKind = "inlineReference"
	KindProgressMessage PartKind = "progressMessage"
	KindCommand         PartKind = "command"
	KindWarning         PartKind = "warning"
	KindProgressTask    PartKind = "progressTask"
	KindTextEditGroup   PartKind = "textEditGroup"
	KindConfirmation    PartKind = "confirmation"
	KindToolTypeError   PartKind = "toolTypeError"
	KindPlanStep        PartKind = "planStep"
)

// Progress-only kinds. They never appear in a response's content list as-is.
const (
	KindTextEdit       PartKind = "textEdit"
	KindTask           PartKind = "task"
	KindUsedContext    PartKind = "usedContext"
	KindAgentDetection PartKind = "agentDetection"
	KindCodeCitation   PartKind = "codeCitation"
	KindMove           PartKind = "move"
	KindReference      PartKind = "reference"
	KindPlanStepUpdate PartKind = "planStepUpdate"
)

// ErrUnknownPartKind is returned when a serialized part carries a kind this
// version does not know.
var ErrUnknownPartKind = errors.New("unknown part kind")

// Progress is a fragment streamed into a response.
type Progress interface {
	ProgressKind() PartKind
}

// Part is a response content part. Every part can also be streamed as progress.
type Part interface {
	Progress
	contentPart()
}

// MarkdownString is markdown text plus the rendering attributes that decide
// whether two fragments may be merged.
type MarkdownString struct {
	Value             string `json:"value"`
	IsTrusted         bool   `json:"isTrusted,omitempty"`
	SupportHTML       bool   `json:"supportHtml,omitempty"`
	SupportThemeIcons bool   `json:"supportThemeIcons,omitempty"`
	BaseURI           string `json:"baseUri,omitempty"`
}

// Markdown returns an untrusted markdown string with the given value.
func Markdown(value string) MarkdownString {
	return MarkdownString{Value: value}
}

// SameFormat reports whether two markdown strings render with identical attributes.
func (m MarkdownString) SameFormat(other MarkdownString) bool {
	return m.IsTrusted == other.IsTrusted &&
		m.SupportHTML == other.SupportHTML &&
		m.SupportThemeIcons == other.SupportThemeIcons &&
		m.BaseURI == other.BaseURI
}

// Position is a zero-based line/character location in a document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"startPosition"`
	End   Position `json:"endPosition"`
}

// Location points at a file and optionally a range inside it.
type Location struct {
	URI   string `json:"uri"`
	Range *Range `json:"range,omitempty"`
}

// TextEdit replaces the text in Range with Text.
type TextEdit struct {
	Range Range  `json:"range"`
	Text  string `json:"text"`
}

// MarkdownContent is a run of markdown.
type MarkdownContent struct {
	Content MarkdownString `json:"content"`
}

func (MarkdownContent) ProgressKind() PartKind { return KindMarkdownContent }
func (MarkdownContent) contentPart()           {}

func (p MarkdownContent) MarshalJSON() ([]byte, error) {
	type alias MarkdownContent
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindMarkdownContent, alias(p)})
}

// TreeNode is a node of a file tree rendered in a response.
type TreeNode struct {
	Label    string     `json:"label"`
	URI      string     `json:"uri"`
	Children []TreeNode `json:"children,omitempty"`
}

// TreeData renders a file tree.
type TreeData struct {
	Tree TreeNode `json:"treeData"`
}

func (TreeData) ProgressKind() PartKind { return KindTreeData }
func (TreeData) contentPart()           {}

func (p TreeData) MarshalJSON() ([]byte, error) {
	type alias TreeData
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindTreeData, alias(p)})
}

// InlineReference is a file or symbol anchor rendered inline with the markdown.
type InlineReference struct {
	Reference Location `json:"inlineReference"`
	Name      string   `json:"name,omitempty"`
}

func (InlineReference) ProgressKind() PartKind { return KindInlineReference }
func (InlineReference) contentPart()           {}

func (p InlineReference) MarshalJSON() ([]byte, error) {
	type alias InlineReference
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindInlineReference, alias(p)})
}

// ProgressMessage is a transient status line.
type ProgressMessage struct {
	Content MarkdownString `json:"content"`
}

func (ProgressMessage) ProgressKind() PartKind { return KindProgressMessage }
func (ProgressMessage) contentPart()           {}

func (p ProgressMessage) MarshalJSON() ([]byte, error) {
	type alias ProgressMessage
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindProgressMessage, alias(p)})
}

// Command is an invocable editor command.
type Command struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Arguments []any  `json:"arguments,omitempty"`
}

// CommandButton renders a button that runs a command.
type CommandButton struct {
	Command Command `json:"command"`
}

func (CommandButton) ProgressKind() PartKind { return KindCommand }
func (CommandButton) contentPart()           {}

func (p CommandButton) MarshalJSON() ([]byte, error) {
	type alias CommandButton
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindCommand, alias(p)})
}

// Warning is a warning banner.
type Warning struct {
	Content MarkdownString `json:"content"`
}

func (Warning) ProgressKind() PartKind { return KindWarning }
func (Warning) contentPart()           {}

func (p Warning) MarshalJSON() ([]byte, error) {
	type alias Warning
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindWarning, alias(p)})
}

// ProgressTask is the content part left behind by a Task. While Done is false
// it renders as a pending placeholder.
type ProgressTask struct {
	Content  MarkdownString   `json:"content"`
	Progress []MarkdownString `json:"progress,omitempty"`
	Done     bool             `json:"done"`
	IsError  bool             `json:"isError,omitempty"`
}

func (ProgressTask) ProgressKind() PartKind { return KindProgressTask }
func (ProgressTask) contentPart()           {}

func (p ProgressTask) MarshalJSON() ([]byte, error) {
	type alias ProgressTask
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindProgressTask, alias(p)})
}

// TextEditGroupState records how much of a group has been applied to the document.
type TextEditGroupState struct {
	Applied int    `json:"applied"`
	Sha1    string `json:"sha1,omitempty"`
}

// TextEditGroup holds every edit batch a response proposed for one file.
type TextEditGroup struct {
	URI   string              `json:"uri"`
	Edits [][]TextEdit        `json:"edits"`
	Done  bool                `json:"done,omitempty"`
	State *TextEditGroupState `json:"state,omitempty"`
}

func (TextEditGroup) ProgressKind() PartKind { return KindTextEditGroup }
func (TextEditGroup) contentPart()           {}

func (p TextEditGroup) MarshalJSON() ([]byte, error) {
	type alias TextEditGroup
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindTextEditGroup, alias(p)})
}

// Confirmation asks the user to pick one of Buttons.
type Confirmation struct {
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Buttons []string        `json:"buttons,omitempty"`
	IsUsed  bool            `json:"isUsed,omitempty"`
}

func (Confirmation) ProgressKind() PartKind { return KindConfirmation }
func (Confirmation) contentPart()           {}

func (p Confirmation) MarshalJSON() ([]byte, error) {
	type alias Confirmation
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindConfirmation, alias(p)})
}

// ToolTypeError reports that the agent produced a malformed tool invocation.
type ToolTypeError struct {
	Message string `json:"message"`
}

func (ToolTypeError) ProgressKind() PartKind { return KindToolTypeError }
func (ToolTypeError) contentPart()           {}

func (p ToolTypeError) MarshalJSON() ([]byte, error) {
	type alias ToolTypeError
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindToolTypeError, alias(p)})
}

// PlanStep is the rendered form of one plan step.
type PlanStep struct {
	Index       int    `json:"index"`
	StepID      string `json:"stepId,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (PlanStep) ProgressKind() PartKind { return KindPlanStep }
func (PlanStep) contentPart()           {}

func (p PlanStep) MarshalJSON() ([]byte, error) {
	type alias PlanStep
	return json.Marshal(struct {
		Kind PartKind `json:"kind"`
		alias
	}{KindPlanStep, alias(p)})
}

// TextEditProgress is one batch of edits for a file.
type TextEditProgress struct {
	URI   string     `json:"uri"`
	Edits []TextEdit `json:"edits"`
	Done  bool       `json:"done,omitempty"`
}

func (TextEditProgress) ProgressKind() PartKind { return KindTextEdit }

// TaskResult settles a Task. A nil Content keeps the original label.
type TaskResult struct {
	Content *MarkdownString
	Err     error
}

// Task is a long running operation rendered as a placeholder until Result
// delivers a value. Progress may be nil.
type Task struct {
	Content  MarkdownString
	Progress <-chan MarkdownString
	Result   <-chan TaskResult
}

func (Task) ProgressKind() PartKind { return KindTask }

// UsedContextDocument is a document the agent read while answering.
type UsedContextDocument struct {
	URI     string  `json:"uri"`
	Version int     `json:"version,omitempty"`
	Ranges  []Range `json:"ranges,omitempty"`
}

// UsedContext lists the documents that informed a response.
type UsedContext struct {
	Documents []UsedContextDocument `json:"documents"`
}

func (UsedContext) ProgressKind() PartKind { return KindUsedContext }

// AgentDetection switches the response to another agent and command.
type AgentDetection struct {
	AgentID string `json:"agentId"`
	Command string `json:"command,omitempty"`
}

func (AgentDetection) ProgressKind() PartKind { return KindAgentDetection }

// CodeCitation attributes a snippet to a licensed source.
type CodeCitation struct {
	URI     string `json:"uri"`
	License string `json:"license"`
	Snippet string `json:"snippet"`
}

func (CodeCitation) ProgressKind() PartKind { return KindCodeCitation }

// Move asks observers to reveal a location.
type Move struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

func (Move) ProgressKind() PartKind { return KindMove }

// Reference is a content reference listed next to the response rather than inline.
type Reference struct {
	Reference Location `json:"reference"`
	IconPath  string   `json:"iconPath,omitempty"`
}

func (Reference) ProgressKind() PartKind { return KindReference }

// PlanStepEventKind is the kind of incremental plan update.
type PlanStepEventKind string

const (
	PlanStepTitleAdded        PlanStepEventKind = "PlanStepTitleAdded"
	PlanStepDescriptionUpdate PlanStepEventKind = "PlanStepDescriptionUpdate"
)

// PlanStepProgress updates a single plan step by index.
type PlanStepProgress struct {
	Event      PlanStepEventKind `json:"event"`
	Index      int               `json:"index"`
	StepID     string            `json:"stepId,omitempty"`
	Title      string            `json:"title,omitempty"`
	Delta      string            `json:"delta,omitempty"`
	SessionID  string            `json:"sessionId,omitempty"`
	ExchangeID string            `json:"exchangeId,omitempty"`
}

func (PlanStepProgress) ProgressKind() PartKind { return KindPlanStepUpdate }

// UnmarshalPart decodes a persisted content part using its "kind" field.
func UnmarshalPart(data []byte) (Part, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid part json")
	}
	kind := PartKind(gjson.GetBytes(data, "kind").String())

	var (
		part Part
		err  error
	)
	switch kind {
	case KindMarkdownContent:
		var p MarkdownContent
		err = json.Unmarshal(data, &p)
		part = p
	case KindTreeData:
		var p TreeData
		err = json.Unmarshal(data, &p)
		part = p
	case KindInlineReference:
		var p InlineReference
		err = json.Unmarshal(data, &p)
		part = p
	case KindProgressMessage:
		var p ProgressMessage
		err = json.Unmarshal(data, &p)
		part = p
	case KindCommand:
		var p CommandButton
		err = json.Unmarshal(data, &p)
		part = p
	case KindWarning:
		var p Warning
		err = json.Unmarshal(data, &p)
		part = p
	case KindProgressTask:
		var p ProgressTask
		err = json.Unmarshal(data, &p)
		part = p
	case KindTextEditGroup:
		var p TextEditGroup
		err = json.Unmarshal(data, &p)
		part = p
	case KindConfirmation:
		var p Confirmation
		err = json.Unmarshal(data, &p)
		part = p
	case KindToolTypeError:
		var p ToolTypeError
		err = json.Unmarshal(data, &p)
		part = p
	case KindPlanStep:
		var p PlanStep
		err = json.Unmarshal(data, &p)
		part = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartKind, kind)
	}
	if err != nil {
		return nil, err
	}
	return part, nil
}
