package server_test

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/aide-ai/aide/citest/testutil"
)

var _ = Describe("Exchanges", func() {
	var (
		sessionID string
		events    *testutil.SSEClient
	)

	BeforeEach(func() {
		var err error
		sessionID, err = client.CreateSession(ctx, "exchange e2e")
		Expect(err).NotTo(HaveOccurred())

		events = testServer.SSEClient()
		Expect(events.Connect(ctx, "/event?sessionID="+sessionID)).To(Succeed())
	})

	AfterEach(func() {
		events.Close()
		Expect(client.DeleteSession(ctx, sessionID)).To(Succeed())
	})

	It("streams an agent answer into the response", func() {
		ex, err := client.SendRequest(ctx, sessionID, "explain main.go")
		Expect(err).NotTo(HaveOccurred())
		Expect(ex.ExchangeID).To(Equal(ex.RequestID))

		stage, err := events.WaitForStreamClosed(ex.ExchangeID, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(stage).To(Equal("Complete"))

		markdown, err := client.ResponseMarkdown(ctx, sessionID, ex.ResponseID)
		Expect(err).NotTo(HaveOccurred())
		Expect(markdown).To(ContainSubstring("Reading the file."))
		Expect(markdown).To(ContainSubstring("Done."))

		reqs := testServer.Sidecar.Requests("/api/agentic/agent_tool_use")
		Expect(reqs).NotTo(BeEmpty())
		last := reqs[len(reqs)-1]
		Expect(last.Body).To(HaveKeyWithValue("session_id", sessionID))
		Expect(last.Body).To(HaveKeyWithValue("exchange_id", ex.ExchangeID))
		Expect(last.Body).To(HaveKeyWithValue("query", "explain main.go"))
	})

	It("closes with an error stage when a tool fails", func() {
		ex, err := client.SendRequest(ctx, sessionID, "broken request")
		Expect(err).NotTo(HaveOccurred())

		stage, err := events.WaitForStreamClosed(ex.ExchangeID, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(stage).To(Equal("Error"))

		view, err := client.GetView(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Get("items.1.response.error").String()).To(Equal("tool input did not parse"))
	})

	It("completes a stream that ends without a terminal event", func() {
		ex, err := client.SendRequest(ctx, sessionID, "silent please")
		Expect(err).NotTo(HaveOccurred())

		stage, err := events.WaitForStreamClosed(ex.ExchangeID, 10*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(stage).To(Equal("Complete"))
	})

	It("cancels a running exchange on the backend", func() {
		ex, err := client.SendRequest(ctx, sessionID, "slow job")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() (string, error) {
			return client.ResponseMarkdown(ctx, sessionID, ex.ResponseID)
		}, 5*time.Second, 50*time.Millisecond).Should(ContainSubstring("Working on it"))

		Expect(client.CancelExchange(ctx, sessionID, ex.ExchangeID)).To(Succeed())

		stage, err := events.WaitForStreamClosed(ex.ExchangeID, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(stage).To(Equal("Canceled"))

		cancels := testServer.Sidecar.Requests("/api/agentic/cancel_running_event")
		Expect(cancels).NotTo(BeEmpty())
		Expect(cancels[len(cancels)-1].Body).To(HaveKeyWithValue("exchange_id", ex.ExchangeID))

		view, err := client.GetView(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(view.Get("items.1.response.canceled").Bool()).To(BeTrue())
	})

	It("resends an exchange as a new attempt", func() {
		ex, err := client.SendRequest(ctx, sessionID, "slow job")
		Expect(err).NotTo(HaveOccurred())

		again, err := client.ResendExchange(ctx, sessionID, ex.ExchangeID)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.ExchangeID).NotTo(Equal(ex.ExchangeID))

		stage, err := events.WaitForStreamClosed(ex.ExchangeID, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(stage).To(Equal("Canceled"))

		Eventually(func() []string {
			var ids []string
			for _, r := range testServer.Sidecar.Requests("/api/agentic/agent_tool_use") {
				if id, ok := r.Body["exchange_id"].(string); ok {
					ids = append(ids, id)
				}
			}
			return ids
		}, 5*time.Second, 50*time.Millisecond).Should(ContainElement(again.ExchangeID))

		session, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(session.Get("exchanges").Array()).To(HaveLen(2))
		Expect(session.Get("exchanges.0.message.text").String()).To(Equal("slow job"))
		Expect(session.Get("exchanges.0.attempt").Int()).To(BeEquivalentTo(1))
	})

	It("accepts externally pushed progress", func() {
		ex, err := client.SendRequest(ctx, sessionID, "slow pushed")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Post(ctx, "/session/"+sessionID+"/progress", []map[string]any{{
			"request_id":  sessionID,
			"exchange_id": ex.ExchangeID,
			"event":       map[string]any{"ChatEvent": map[string]any{"delta": " plus a pushed line"}},
		}})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Get("dispatched").Int()).To(BeEquivalentTo(1))

		Eventually(func() (string, error) {
			return client.ResponseMarkdown(ctx, sessionID, ex.ResponseID)
		}, 5*time.Second, 50*time.Millisecond).Should(ContainSubstring("pushed line"))

		Expect(client.CancelExchange(ctx, sessionID, ex.ExchangeID)).To(Succeed())
	})
})
