package verifier

import (
	"bytes"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sarchlab/iotrack/eventlog"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/tracking"
)

var _ = Describe("LogHook", func() {
	var (
		logs *observer.ObservedLogs
		hook *LogHook
		db   *tracking.Database
	)

	BeforeEach(func() {
		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)

		hook = NewLogHook(zap.New(core), 16)
		hook.Start()

		db = tracking.MakeDatabaseBuilder().WithShardCount(2).Build("DB")
		db.AcceptHook(hook)
	})

	AfterEach(func() {
		hook.Close()
	})

	It("should warn about violations", func() {
		r, _, _ := db.InsertAndLock(0x1000, nil, priority.Passive)
		r.Advance("disk")
		r.LogEntry(eventlog.KindCompleteRequest, 0, 0)
		r.LogEntry(eventlog.KindCompleteRequest, 0, 0)
		db.ReleaseLock(r)
		hook.Close()

		warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].Message).To(Equal("protocol violation"))

		fields := warnings[0].ContextMap()
		Expect(fields["kind"]).To(Equal("DoubleCompletion"))
		Expect(fields["identity"]).To(Equal("0x1000"))
		Expect(fields["node"]).To(Equal("disk"))
	})

	It("should log violations without a record", func() {
		_, err := db.Resolve(tracking.Handle{Index: 3, Generation: 1}, priority.Passive)
		Expect(err).To(HaveOccurred())
		hook.Close()

		warnings := logs.FilterMessage("protocol violation").All()
		Expect(warnings).To(HaveLen(1))
		Expect(warnings[0].ContextMap()).NotTo(HaveKey("identity"))
	})

	It("should log releases with audit findings", func() {
		r, _, _ := db.InsertAndLock(0x1000, nil, priority.Passive)
		r.LogEntry(eventlog.KindCompletionRoutine, 0, 0)

		freed, err := db.Dereference(r, tracking.RefIdentity)
		Expect(err).NotTo(HaveOccurred())
		Expect(freed).To(BeTrue())
		hook.Close()

		Expect(logs.FilterMessage("record released").Len()).To(Equal(1))

		findings := logs.FilterMessage("audit finding").All()
		Expect(findings).To(HaveLen(1))
		Expect(findings[0].ContextMap()["kind"]).To(Equal("CompletionOutOfOrder"))
	})

	It("should count contexts that do not fit in the queue", func() {
		stopped := NewLogHook(zap.New(zapcore.NewNopCore()), 1)
		db.AcceptHook(stopped)

		for i := 0; i < 3; i++ {
			_, err := db.Resolve(tracking.Handle{Index: uint32(i), Generation: 1}, priority.Passive)
			Expect(err).To(HaveOccurred())
		}

		Expect(stopped.Dropped()).To(Equal(uint64(2)))
		stopped.Close()
	})

	It("should not write to the sink while the record is locked", func() {
		sink := &gatedWriter{open: make(chan struct{})}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		slow := NewLogHook(zap.New(zapcore.NewCore(enc, zapcore.AddSync(sink), zapcore.DebugLevel)), 16)
		slow.Start()
		db.AcceptHook(slow)

		released := make(chan struct{})
		go func() {
			defer close(released)

			r, _, _ := db.InsertAndLock(0x2000, nil, priority.Passive)
			r.LogEntry(eventlog.KindCompleteRequest, 0, 0)
			r.LogEntry(eventlog.KindCompleteRequest, 0, 0)
			db.ReleaseLock(r)
		}()

		Eventually(released, time.Second).Should(BeClosed())

		close(sink.open)
		slow.Close()

		Expect(sink.String()).To(ContainSubstring("protocol violation"))
	})
})

// gatedWriter blocks every write until open is closed.
type gatedWriter struct {
	open chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.open

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.Write(p)
}

func (w *gatedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.buf.String()
}
