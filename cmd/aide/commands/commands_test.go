package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-ai/aide/internal/config"
	"github.com/aide-ai/aide/pkg/types"
)

const recorded = `{"request_id":"old-session","exchange_id":"old-exchange","event":{"ChatEvent":{"delta":"Hello ","answer_up_until_now":"Hello "}}}
not json at all

{"keep_alive":"alive"}
{"request_id":"old-session","exchange_id":"old-exchange","event":{"ChatEvent":{"delta":"world","answer_up_until_now":"Hello world"}}}
{"request_id":"old-session","exchange_id":"old-exchange","event":{"FrameworkEvent":{"ToolUseDetected":{"tool_use_partial_input":{"AttemptCompletion":{"result":"All done"}},"thinking":"ok"}}}}
{"request_id":"old-session","exchange_id":"old-exchange","event":{"ChatEvent":{"delta":"too late"}}}
`

func TestReplay_RendersConversation(t *testing.T) {
	var out bytes.Buffer
	err := replay(context.Background(), strings.NewReader(recorded), &out, replayOptions{
		Fs:     afero.NewMemMapFs(),
		Root:   "/work",
		Prompt: "say hello",
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "say hello")
	assert.Contains(t, text, "Hello world")
	assert.Contains(t, text, "All done")
	assert.Contains(t, text, "(Complete)")
	assert.NotContains(t, text, "too late")
}

func TestReplay_EmptyLogCompletes(t *testing.T) {
	var out bytes.Buffer
	err := replay(context.Background(), strings.NewReader(""), &out, replayOptions{
		Fs:     afero.NewMemMapFs(),
		Root:   "/work",
		Prompt: "anything",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "(Complete)")
}

func TestReplay_StopsAtDone(t *testing.T) {
	log := `{"request_id":"s","exchange_id":"e","event":{"ChatEvent":{"delta":"first"}}}
{"done":"[CODESTORY_DONE]"}
{"request_id":"s","exchange_id":"e","event":{"ChatEvent":{"delta":"second"}}}
`
	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), strings.NewReader(log), &out, replayOptions{
		Fs:   afero.NewMemMapFs(),
		Root: "/work",
	}))
	assert.Contains(t, out.String(), "first")
	assert.NotContains(t, out.String(), "second")
}

func TestWriteExport(t *testing.T) {
	exported := types.ExportedSession{
		RequesterUsername: "user",
		ResponderUsername: "aide",
		Exchanges:         []json.RawMessage{json.RawMessage(`{"kind":"request","message":{"text":"hi"}}`)},
	}

	var js bytes.Buffer
	require.NoError(t, writeExport(&js, exported, "json"))
	var back types.ExportedSession
	require.NoError(t, json.Unmarshal(js.Bytes(), &back))
	assert.Equal(t, "aide", back.ResponderUsername)
	assert.Len(t, back.Exchanges, 1)

	var y bytes.Buffer
	require.NoError(t, writeExport(&y, exported, "yaml"))
	assert.Contains(t, y.String(), "requesterUsername: user")
	assert.Contains(t, y.String(), "text: hi")

	assert.Error(t, writeExport(&bytes.Buffer{}, exported, "toml"))
}

func TestServerLogFile(t *testing.T) {
	paths := &config.Paths{State: filepath.Join("state", "aide")}
	assert.Equal(t, filepath.Join("state", "aide", "log", "aide.log"), serverLogFile(paths))
}
