package server_test

import (
	"context"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aide-ai/aide/citest/testutil"
)

var (
	testServer *testutil.TestServer
	client     *testutil.TestClient
	ctx        context.Context
)

func TestServer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

func frame(event string) string {
	return fmt.Sprintf(`{"request_id":%q,"exchange_id":%q,"event":%s}`, testutil.SessionPlaceholder, testutil.ExchangePlaceholder, event)
}

var scripts = []testutil.Script{
	{
		Match: "explain",
		Frames: []string{
			frame(`{"FrameworkEvent":{"OpenFile":{"fs_file_path":"main.go"}}}`),
			frame(`{"ChatEvent":{"delta":"Reading the file. ","answer_up_until_now":"Reading the file. "}}`),
			frame(`{"FrameworkEvent":{"ToolUseDetected":{"tool_use_partial_input":{"AttemptCompletion":{"result":"Done."}},"thinking":""}}}`),
		},
	},
	{
		Match: "slow",
		Frames: []string{
			frame(`{"ChatEvent":{"delta":"Working on it","answer_up_until_now":"Working on it"}}`),
		},
		Hold: true,
	},
	{
		Match: "broken",
		Frames: []string{
			frame(`{"FrameworkEvent":{"ToolTypeError":{"error_string":"tool input did not parse"}}}`),
		},
	},
	{
		Match: "silent",
		Frames: []string{
			frame(`{"ChatEvent":{"delta":"No terminal event here."}}`),
		},
	},
}

var _ = BeforeSuite(func() {
	var err error
	testServer, err = testutil.StartTestServer(
		testutil.WithScripts(scripts...),
		testutil.WithExclude("**/*.lock"),
	)
	Expect(err).NotTo(HaveOccurred(), "Failed to start test server")

	client = testServer.Client()
	ctx = context.Background()
})

var _ = AfterSuite(func() {
	if testServer != nil {
		testServer.Stop()
	}
})
