package editing_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/aide-ai/aide/internal/editing"
	"github.com/aide-ai/aide/pkg/types"
)

var _ = Describe("Editing session", func() {
	var (
		fs      afero.Fs
		svc     *editing.Service
		session *editing.Session
		ctx     context.Context
		changes []editing.Change
	)

	stream := func(id, path, text string) {
		Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamStart, EditRequestID: id, FsFilePath: path})).To(Succeed())
		Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamDelta, EditRequestID: id, Delta: text})).To(Succeed())
		Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamEnd, EditRequestID: id})).To(Succeed())
	}

	content := func(path string) string {
		data, err := afero.ReadFile(fs, path)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	stateChanges := func() []editing.Change {
		var out []editing.Change
		for _, c := range changes {
			if c.Kind == editing.ChangeEntryState {
				out = append(out, c)
			}
		}
		return out
	}

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/repo/foo.ts", []byte("const foo = 1\n"), 0o644)).To(Succeed())
		svc = editing.NewService(editing.Options{Fs: fs, Root: "/repo"})
		session = svc.StartOrContinue("session_1")
		ctx = context.Background()
		changes = nil
		session.OnDidChange(func(c editing.Change) { changes = append(changes, c) })
	})

	AfterEach(func() {
		Expect(svc.Close()).To(Succeed())
	})

	Describe("state machine", func() {
		It("moves from Initial through StreamingEdits to Idle", func() {
			Expect(session.State()).To(Equal(editing.StateInitial))

			Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamStart, EditRequestID: "e1", FsFilePath: "foo.ts"})).To(Succeed())
			Expect(session.State()).To(Equal(editing.StateStreamingEdits))

			Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamEnd, EditRequestID: "e1", Delta: "const foo = 2\n"})).To(Succeed())
			Expect(session.State()).To(Equal(editing.StateIdle))
		})

		It("ends in Disposed from any state", func() {
			session.Dispose()
			Expect(session.State()).To(Equal(editing.StateDisposed))
			Expect(session.CreateSnapshot("x")).To(MatchError(editing.ErrSessionDisposed))
		})
	})

	Describe("accept", func() {
		BeforeEach(func() {
			stream("e1", "foo.ts", "const foo = 2\n")
			changes = nil
		})

		It("is a no-op on an already accepted entry", func() {
			Expect(session.Accept(ctx, "foo.ts")).To(Succeed())
			Expect(stateChanges()).To(HaveLen(1))

			Expect(session.Accept(ctx, "foo.ts")).To(Succeed())
			Expect(session.Accept(ctx)).To(Succeed())

			entry, ok := session.Entry("foo.ts")
			Expect(ok).To(BeTrue())
			Expect(entry.State()).To(Equal(editing.EntryAccepted))
			Expect(stateChanges()).To(HaveLen(1))
			Expect(content("/repo/foo.ts")).To(Equal("const foo = 2\n"))
		})

		It("keeps an accepted entry from being rejected", func() {
			Expect(session.Accept(ctx)).To(Succeed())
			Expect(session.Reject(ctx, "foo.ts")).To(Succeed())

			entry, _ := session.Entry("foo.ts")
			Expect(entry.State()).To(Equal(editing.EntryAccepted))
			Expect(content("/repo/foo.ts")).To(Equal("const foo = 2\n"))
		})
	})

	Describe("reject", func() {
		It("restores the pre-edit content of every undecided entry", func() {
			stream("e1", "foo.ts", "const foo = 2\n")
			stream("e2", "foo.ts", "const foo = 3\n")
			stream("e3", "bar.ts", "const bar = 1\n")

			Expect(session.UndecidedCount()).To(Equal(2))
			Expect(session.Reject(ctx)).To(Succeed())

			Expect(content("/repo/foo.ts")).To(Equal("const foo = 1\n"))
			exists, err := afero.Exists(fs, "/repo/bar.ts")
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
			Expect(session.UndecidedCount()).To(BeZero())
		})
	})

	Describe("snapshots", func() {
		It("rolls the working set back to when an exchange began", func() {
			Expect(session.CreateSnapshot("exchange_1")).To(Succeed())
			stream("e1", "foo.ts", "const foo = 2\n")

			Expect(session.CreateSnapshot("exchange_2")).To(Succeed())
			stream("e2", "foo.ts", "const foo = 3\n")
			stream("e3", "lib/bar.ts", "export const bar = 1\n")
			Expect(session.Accept(ctx, "lib/bar.ts")).To(Succeed())

			Expect(session.CreateSnapshot("exchange_3")).To(Succeed())
			stream("e4", "foo.ts", "const foo = 4\n")

			Expect(session.RestoreSnapshot(ctx, "exchange_2")).To(Succeed())

			Expect(content("/repo/foo.ts")).To(Equal("const foo = 2\n"))
			exists, _ := afero.Exists(fs, "/repo/lib/bar.ts")
			Expect(exists).To(BeFalse())
			Expect(session.Entries()).To(HaveLen(1))
			Expect(session.WorkingSet()).To(HaveLen(1))

			entry, ok := session.Entry("foo.ts")
			Expect(ok).To(BeTrue())
			Expect(entry.State()).To(Equal(editing.EntryModified))
			Expect(entry.Original()).To(Equal("const foo = 1\n"))

			Expect(session.HasSnapshot("exchange_1")).To(BeTrue())
			Expect(session.HasSnapshot("exchange_2")).To(BeFalse())
			Expect(session.HasSnapshot("exchange_3")).To(BeFalse())

			Expect(session.RestoreSnapshot(ctx, "exchange_1")).To(Succeed())
			Expect(content("/repo/foo.ts")).To(Equal("const foo = 1\n"))
			Expect(session.Entries()).To(BeEmpty())
		})

		It("drops streams that are still open", func() {
			Expect(session.CreateSnapshot("exchange_1")).To(Succeed())
			Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamStart, EditRequestID: "e1", FsFilePath: "foo.ts"})).To(Succeed())
			Expect(session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamDelta, EditRequestID: "e1", Delta: "partial\n"})).To(Succeed())

			Expect(session.RestoreSnapshot(ctx, "exchange_1")).To(Succeed())
			Expect(session.State()).To(Equal(editing.StateIdle))
			Expect(content("/repo/foo.ts")).To(Equal("const foo = 1\n"))

			err := session.ApplyEditStream(ctx, types.EditStreamRequest{Event: types.EditStreamEnd, EditRequestID: "e1"})
			Expect(err).To(MatchError(editing.ErrUnknownEditRequest))
		})

		It("reports unknown exchanges", func() {
			err := session.RestoreSnapshot(ctx, "missing")
			Expect(err).To(MatchError(editing.ErrSnapshotNotFound))
		})
	})
})
