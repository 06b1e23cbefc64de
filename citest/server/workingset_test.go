package server_test

import (
	"net/http"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aide-ai/aide/citest/testutil"
	"github.com/aide-ai/aide/pkg/types"
)

var _ = Describe("Working set", func() {
	var (
		sessionID string
		mainPath  string
	)

	readWork := func(path string) string {
		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	BeforeEach(func() {
		var err error
		sessionID, err = client.CreateSession(ctx, "working set e2e")
		Expect(err).NotTo(HaveOccurred())

		mainPath = testServer.WorkFile("main.go")
		Expect(os.WriteFile(mainPath, []byte("package main\n"), 0644)).To(Succeed())
	})

	AfterEach(func() {
		Expect(client.DeleteSession(ctx, sessionID)).To(Succeed())
	})

	It("writes streamed edits to disk and keeps them on accept", func() {
		Expect(client.StreamFile(ctx, sessionID, "edit-1", mainPath, "package main\n\nfunc main() {}\n")).To(Succeed())
		Expect(readWork(mainPath)).To(Equal("package main\n\nfunc main() {}\n"))

		ws, err := client.GetWorkingSet(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ws.Files).To(HaveLen(1))
		Expect(ws.Files[0].State).To(Equal("modified"))
		Expect(ws.Files[0].Added).To(Equal(2))
		Expect(ws.Undecided).To(Equal(1))
		Expect(ws.Checkpoint).To(Equal("Aide Edit 1"))

		Expect(client.Accept(ctx, sessionID)).To(Succeed())
		ws, err = client.GetWorkingSet(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(ws.Undecided).To(Equal(0))
		Expect(ws.Files[0].State).To(Equal("accepted"))
		Expect(readWork(mainPath)).To(Equal("package main\n\nfunc main() {}\n"))
	})

	It("restores the original content on reject", func() {
		Expect(client.StreamFile(ctx, sessionID, "edit-1", mainPath, "package broken\n")).To(Succeed())
		Expect(client.Reject(ctx, sessionID)).To(Succeed())
		Expect(readWork(mainPath)).To(Equal("package main\n"))
	})

	It("refuses excluded files", func() {
		resp, err := client.ApplyEdits(ctx, sessionID, types.EditStreamRequest{
			Event:         types.EditStreamStart,
			EditRequestID: "edit-lock",
			FsFilePath:    testServer.WorkFile("deps.lock"),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		Expect(resp.Get("error.code").String()).To(Equal("FORBIDDEN"))
	})

	It("rolls edits back when their exchange is deleted", func() {
		events := testServer.SSEClient()
		Expect(events.Connect(ctx, "/event?sessionID="+sessionID)).To(Succeed())
		defer events.Close()

		ex, err := client.SendRequest(ctx, sessionID, "explain main.go")
		Expect(err).NotTo(HaveOccurred())
		_, err = events.WaitForStreamClosed(ex.ExchangeID, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())

		Expect(client.StreamFile(ctx, sessionID, "edit-2", mainPath, "package rewritten\n")).To(Succeed())
		Expect(readWork(mainPath)).To(Equal("package rewritten\n"))

		resp, err := client.DeleteExchange(ctx, sessionID, ex.ExchangeID)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Get("removed").Array()).To(HaveLen(1))

		Expect(readWork(mainPath)).To(Equal("package main\n"))
		session, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Get("exchanges").Array()).To(BeEmpty())
	})

	It("streams working set changes over SSE", func() {
		events := testServer.SSEClient()
		Expect(events.Connect(ctx, "/event?sessionID="+sessionID)).To(Succeed())
		defer events.Close()

		Expect(client.StreamFile(ctx, sessionID, "edit-3", mainPath, "package main // edited\n")).To(Succeed())

		evt, err := events.WaitFor(func(e testutil.SSEEvent) bool {
			return e.Type == "workingset.changed" && e.Get("undecided").Int() == 1
		}, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(evt.Get("sessionId").String()).To(Equal(sessionID))
	})
})
