package session

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/iotrack/hooking"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/tracking"
)

type violationCollector struct {
	mu    sync.Mutex
	kinds []tracking.ViolationKind
}

func (c *violationCollector) Func(ctx hooking.HookCtx) {
	if ctx.Pos != tracking.HookPosViolation {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.kinds = append(c.kinds, ctx.Item.(tracking.Violation).Kind)
}

func (c *violationCollector) Kinds() []tracking.ViolationKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]tracking.ViolationKind(nil), c.kinds...)
}

type positionCounter struct {
	counts map[*hooking.HookPos]int
}

func (c *positionCounter) Func(ctx hooking.HookCtx) {
	c.counts[ctx.Pos]++
}

type funcHook func(ctx hooking.HookCtx)

func (f funcHook) Func(ctx hooking.HookCtx) {
	f(ctx)
}

func mockNode(ctrl *gomock.Controller, name string, attrs NodeAttributes) *MockStackNode {
	n := NewMockStackNode(ctrl)
	n.EXPECT().Name().Return(name).AnyTimes()
	n.EXPECT().Attributes().Return(attrs).AnyTimes()

	return n
}

var _ = Describe("DeterminePolicy", func() {
	var (
		mockCtrl *gomock.Controller
		db       *tracking.Database
		r        *tracking.Record
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		db = tracking.MakeDatabaseBuilder().WithShardCount(4).Build("DB")
		r, _, _ = db.InsertAndLock(0x1000, nil, priority.Passive)
	})

	AfterEach(func() {
		db.ReleaseLock(r)
		mockCtrl.Finish()
	})

	DescribeTable("layer attributes",
		func(attrs NodeAttributes, expected Policy) {
			Expect(DeterminePolicy(r, mockNode(mockCtrl, "n", attrs))).
				To(Equal(expected))
		},
		Entry("plain layer", NodeAttributes(0),
			Policy{Trackable: true}),
		Entry("direct transfers", AttrDirectIO,
			Policy{Trackable: true, UseSurrogate: true}),
		Entry("direct transfers into own buffers", AttrDirectIO|AttrBufferedIO,
			Policy{Trackable: true}),
		Entry("buffered transfers", AttrBufferedIO,
			Policy{Trackable: true}),
		Entry("untracked layer", AttrUntracked|AttrDirectIO,
			Policy{}),
	)

	It("should not track requests marked as not tracked", func() {
		r.SetExamine(tracking.ExamineNotTracked)

		Expect(DeterminePolicy(r, mockNode(mockCtrl, "n", AttrDirectIO))).
			To(Equal(Policy{}))
	})

	It("should never give a surrogate another surrogate", func() {
		r.SetFlags(tracking.FlagSurrogate)

		Expect(DeterminePolicy(r, mockNode(mockCtrl, "n", AttrDirectIO))).
			To(Equal(Policy{Trackable: true}))
	})
})

var _ = Describe("Manager", func() {
	var (
		mockCtrl   *gomock.Controller
		notifier   *MockNotifier
		violations *violationCollector
		db         *tracking.Database
		m          *Manager
		plain      *MockStackNode
		direct     *MockStackNode
		primary    *tracking.Record
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		notifier = NewMockNotifier(mockCtrl)
		violations = &violationCollector{}

		db = tracking.MakeDatabaseBuilder().WithShardCount(8).Build("DB")
		db.AcceptHook(violations)

		m = MakeManagerBuilder().WithDatabase(db).Build("Sessions")

		plain = mockNode(mockCtrl, "fs", 0)
		direct = mockNode(mockCtrl, "disk", AttrDirectIO)

		primary, _, _ = db.InsertAndLock(0x1000, notifier, priority.Passive)
		primary.SetOperation(tracking.Operation{Major: 3})
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should panic without a database", func() {
		Expect(func() { MakeManagerBuilder().Build("Sessions") }).To(Panic())
	})

	Context("creating sessions", func() {
		It("should not track requests at untracked layers", func() {
			untracked := mockNode(mockCtrl, "raw", AttrUntracked)

			s, r, spawned, err := m.CreateSession(untracked, primary, priority.Passive)

			Expect(err).NotTo(HaveOccurred())
			Expect(s).To(BeNil())
			Expect(r).To(BeIdenticalTo(primary))
			Expect(spawned).To(BeFalse())
			Expect(primary.Examine()).To(Equal(tracking.ExamineNotTracked))
			Expect(m.Sessions()).To(BeEmpty())

			db.ReleaseLock(primary)
		})

		It("should track without a surrogate at plain layers", func() {
			s, r, spawned, err := m.CreateSession(plain, primary, priority.Passive)

			Expect(err).NotTo(HaveOccurred())
			Expect(spawned).To(BeFalse())
			Expect(r).To(BeIdenticalTo(primary))
			Expect(primary.Examine()).To(Equal(tracking.ExamineTracked))
			Expect(primary.SessionData()).To(BeIdenticalTo(s))
			Expect(s.Primary()).To(Equal(tracking.Identity(0x1000)))
			Expect(s.Node()).To(BeIdenticalTo(plain))
			Expect(s.UsesSurrogate()).To(BeFalse())

			infos := m.Sessions()
			Expect(infos).To(HaveLen(1))
			Expect(infos[0].ID).To(Equal(s.ID()))
			Expect(infos[0].Node).To(Equal("fs"))

			db.ReleaseLock(primary)
		})

		It("should swap in a surrogate at direct layers", func() {
			s, sr, spawned, err := m.CreateSession(direct, primary, priority.Passive)

			Expect(err).NotTo(HaveOccurred())
			Expect(spawned).To(BeTrue())
			Expect(sr).NotTo(BeIdenticalTo(primary))
			Expect(sr.Identity()).To(BeNumerically(">", DefaultSurrogateBase))
			Expect(sr.Flags().Has(tracking.FlagSurrogate)).To(BeTrue())
			Expect(sr.Operation()).To(Equal(primary.Operation()))
			Expect(sr.Position().TopLocation).To(Equal("disk"))
			Expect(sr.SessionData()).To(BeIdenticalTo(s))
			Expect(s.Surrogate()).To(BeIdenticalTo(sr))

			Expect(db.ChainHead(sr)).To(BeIdenticalTo(primary))
			Expect(db.ChainMembers(primary)).To(Equal([]*tracking.Record{sr}))

			ref, ptr := sr.Counts()
			Expect(ref).To(Equal(int32(1)))
			Expect(ptr).To(Equal(int32(1)))

			db.ReleaseLock(sr)

			p, ok := db.FindAndLock(0x1000, priority.Passive)
			Expect(ok).To(BeTrue(), "primary lock was handed over")
			db.ReleaseLock(p)
		})

		It("should not hold the primary lock while inserting the surrogate", func() {
			var seenUnlocked bool
			db.AcceptHook(funcHook(func(ctx hooking.HookCtx) {
				if ctx.Pos != tracking.HookPosRecordCreate ||
					ctx.Item.(*tracking.Record).Identity() <= DefaultSurrogateBase {
					return
				}

				p, ok := db.FindAndLock(0x1000, priority.Passive)
				if ok {
					seenUnlocked = true
					db.ReleaseLock(p)
				}
			}))

			done := make(chan *tracking.Record, 1)
			go func() {
				_, sr, _, _ := m.CreateSession(direct, primary, priority.Passive)
				done <- sr
			}()

			var sr *tracking.Record
			Eventually(done, time.Second).Should(Receive(&sr))
			Expect(seenUnlocked).To(BeTrue())
			Expect(db.ChainHead(sr)).To(BeIdenticalTo(primary))

			db.ReleaseLock(sr)
		})

		It("should not spawn surrogates when disabled", func() {
			m = MakeManagerBuilder().
				WithDatabase(db).
				WithSurrogates(false).
				Build("Sessions")

			s, r, spawned, err := m.CreateSession(direct, primary, priority.Passive)

			Expect(err).NotTo(HaveOccurred())
			Expect(s).NotTo(BeNil())
			Expect(spawned).To(BeFalse())
			Expect(r).To(BeIdenticalTo(primary))

			db.ReleaseLock(primary)
		})

		It("should propagate an allocation failure", func() {
			db.ReleaseLock(primary)

			small := tracking.MakeDatabaseBuilder().WithCapacity(1).Build("Small")
			m = MakeManagerBuilder().WithDatabase(small).Build("Sessions")
			r, _, _ := small.InsertAndLock(0x1000, nil, priority.Passive)

			s, current, spawned, err := m.CreateSession(direct, r, priority.Passive)

			Expect(err).To(MatchError(tracking.ErrOutOfMemory))
			Expect(s).To(BeNil())
			Expect(current).To(BeIdenticalTo(r))
			Expect(spawned).To(BeFalse())
			Expect(r.SessionData()).To(BeNil())
			Expect(m.Sessions()).To(BeEmpty())

			small.ReleaseLock(r)
		})

		It("should raise hooks", func() {
			counter := &positionCounter{counts: make(map[*hooking.HookPos]int)}
			m.AcceptHook(counter)

			s, sr, _, _ := m.CreateSession(direct, primary, priority.Passive)
			notifier.EXPECT().Notify(primary, tracking.SurrogateCompleted)
			p, err := m.FinalizeSurrogate(s, sr, 0x1000, priority.Passive)
			Expect(err).NotTo(HaveOccurred())
			db.ReleaseLock(p)
			Expect(m.CloseSession(s)).To(Succeed())

			Expect(counter.counts).To(Equal(map[*hooking.HookPos]int{
				HookPosSessionCreate:     1,
				HookPosSurrogateSpawn:    1,
				HookPosSurrogateFinalize: 1,
				HookPosSessionClose:      1,
			}))
		})
	})

	Context("advancing sessions", func() {
		It("should leave untracked requests alone", func() {
			r, spawned, err := m.AdvanceSession(direct, nil, primary, priority.Passive)

			Expect(err).NotTo(HaveOccurred())
			Expect(r).To(BeIdenticalTo(primary))
			Expect(spawned).To(BeFalse())

			db.ReleaseLock(primary)
		})

		It("should spawn a surrogate when a lower layer needs one", func() {
			s, r, _, _ := m.CreateSession(plain, primary, priority.Passive)

			sr, spawned, err := m.AdvanceSession(direct, s, r, priority.Passive)

			Expect(err).NotTo(HaveOccurred())
			Expect(spawned).To(BeTrue())
			Expect(sr).NotTo(BeIdenticalTo(primary))
			Expect(s.Node()).To(BeIdenticalTo(direct))

			again, spawned, err := m.AdvanceSession(direct, s, sr, priority.Passive)
			Expect(err).NotTo(HaveOccurred())
			Expect(spawned).To(BeFalse())
			Expect(again).To(BeIdenticalTo(sr))

			db.ReleaseLock(sr)
		})

		It("should refuse closed sessions", func() {
			s, r, _, _ := m.CreateSession(plain, primary, priority.Passive)
			Expect(s.Reference()).To(Succeed())
			Expect(m.CloseSession(s)).To(Succeed())

			_, _, err := m.AdvanceSession(direct, s, r, priority.Passive)

			Expect(err).To(MatchError(ErrSessionClosed))
			db.ReleaseLock(r)
		})
	})

	It("should attach at most one surrogate", func() {
		s, r, _, _ := m.CreateSession(plain, primary, priority.Passive)

		sr, attached, err := m.AttachSurrogate(r, s, priority.Passive)
		Expect(err).NotTo(HaveOccurred())
		Expect(attached).To(BeTrue())
		db.ReleaseLock(sr)

		db.AcquireLock(primary, priority.Passive)
		r2, attached, err := m.AttachSurrogate(primary, s, priority.Passive)
		Expect(err).NotTo(HaveOccurred())
		Expect(attached).To(BeFalse())
		Expect(r2).To(BeIdenticalTo(primary))
		Expect(db.ChainMembers(primary)).To(HaveLen(1))
		db.ReleaseLock(primary)
	})

	Context("surrogate round trip", func() {
		var (
			s  *Session
			sr *tracking.Record
		)

		BeforeEach(func() {
			var spawned bool
			s, sr, spawned, _ = m.CreateSession(direct, primary, priority.Passive)
			Expect(spawned).To(BeTrue())
		})

		finalize := func() *tracking.Record {
			notifier.EXPECT().Notify(primary, tracking.SurrogateCompleted).Times(1)

			p, err := m.FinalizeSurrogate(s, sr, 0x1000, priority.Passive)
			Expect(err).NotTo(HaveOccurred())

			return p
		}

		It("should restore the caller's bytes", func() {
			original := []byte("the quick brown fox")
			t := &Transfer{
				Direction: DirectionWrite,
				Buffer:    append([]byte(nil), original...),
			}

			Expect(m.BufferIO(sr, t)).To(Succeed())
			Expect(t.Data).To(Equal(original))
			Expect(&t.Data[0]).NotTo(BeIdenticalTo(&t.Buffer[0]))
			Expect(sr.Flags().Has(tracking.FlagBuffered)).To(BeTrue())

			Expect(m.UnbufferIO(sr, t)).To(Succeed())

			Expect(t.Buffer).To(Equal(original))
			Expect(t.Data).To(BeNil())
			Expect(sr.Flags().Has(tracking.FlagBuffered)).To(BeFalse())
			Expect(violations.Kinds()).To(BeEmpty())
		})

		It("should copy read data back to the caller", func() {
			t := &Transfer{Direction: DirectionRead, Buffer: make([]byte, 4)}

			Expect(m.BufferIO(sr, t)).To(Succeed())
			copy(t.Data, "data")
			Expect(string(t.Buffer)).To(Equal("\x00\x00\x00\x00"))

			Expect(m.UnbufferIO(sr, t)).To(Succeed())
			Expect(string(t.Buffer)).To(Equal("data"))
		})

		It("should leave the primary chain empty after finalizing", func() {
			sr.SetResult(tracking.Result{Status: 0, Information: 512})
			surrogateID := sr.Identity()

			p := finalize()

			Expect(p).To(BeIdenticalTo(primary))
			Expect(db.ChainMembers(primary)).To(BeEmpty())
			Expect(primary.Result()).To(Equal(tracking.Result{Information: 512}))
			Expect(s.Surrogate()).To(BeNil())
			Expect(sr.Freed()).To(BeTrue())
			Expect(violations.Kinds()).To(BeEmpty())
			db.ReleaseLock(p)

			_, ok := db.FindAndLock(surrogateID, priority.Passive)
			Expect(ok).To(BeFalse())
		})

		It("should unbuffer a pending transfer when finalizing", func() {
			t := &Transfer{Direction: DirectionRead, Buffer: make([]byte, 3)}
			Expect(m.BufferIO(sr, t)).To(Succeed())
			copy(t.Data, "abc")

			p := finalize()

			Expect(string(t.Buffer)).To(Equal("abc"))
			db.ReleaseLock(p)
		})

		It("should report a buffer overrun", func() {
			t := &Transfer{Direction: DirectionRead, Buffer: make([]byte, 8)}
			Expect(m.BufferIO(sr, t)).To(Succeed())

			_ = append(t.Data, 0xff)

			Expect(m.UnbufferIO(sr, t)).To(Succeed())
			Expect(violations.Kinds()).
				To(Equal([]tracking.ViolationKind{tracking.ViolationBufferOverrun}))
			Expect(sr.Flags().Has(tracking.FlagViolation)).To(BeTrue())

			db.ReleaseLock(sr)
		})

		It("should report writes changed in flight", func() {
			t := &Transfer{Direction: DirectionWrite, Buffer: []byte("abcd")}
			Expect(m.BufferIO(sr, t)).To(Succeed())

			t.Buffer[0] = 'x'
			t.Data[1] = 'y'

			Expect(m.UnbufferIO(sr, t)).To(Succeed())
			Expect(violations.Kinds()).To(Equal([]tracking.ViolationKind{
				tracking.ViolationCallerBufferModified,
				tracking.ViolationWriteBufferModified,
			}))

			db.ReleaseLock(sr)
		})

		It("should refuse to buffer twice or unbuffer unknown transfers", func() {
			t := &Transfer{Buffer: make([]byte, 1)}
			Expect(m.BufferIO(sr, t)).To(Succeed())
			Expect(m.BufferIO(sr, t)).To(MatchError(ErrAlreadyBuffered))
			Expect(m.UnbufferIO(sr, &Transfer{})).To(MatchError(ErrNotBuffered))

			db.ReleaseLock(sr)
		})

		It("should refuse primaries as surrogates", func() {
			db.ReleaseLock(sr)
			db.AcquireLock(primary, priority.Passive)

			Expect(m.BufferIO(primary, &Transfer{})).To(MatchError(ErrNotSurrogate))
			_, err := m.FinalizeSurrogate(s, primary, 0x1000, priority.Passive)
			Expect(err).To(MatchError(ErrNotSurrogate))

			db.ReleaseLock(primary)
		})

		It("should report when the primary went away first", func() {
			db.ReleaseLock(sr)

			db.AcquireLock(primary, priority.Passive)
			notifier.EXPECT().Notify(primary, tracking.PointerCountZero)
			freed, err := db.Dereference(primary, tracking.RefIdentity)
			Expect(err).NotTo(HaveOccurred())
			Expect(freed).To(BeTrue())

			db.AcquireLock(sr, priority.Passive)
			_, err = m.FinalizeSurrogate(s, sr, 0x1000, priority.Passive)

			Expect(err).To(MatchError(ErrPrimaryGone))
			Expect(violations.Kinds()).
				To(Equal([]tracking.ViolationKind{tracking.ViolationChainMismatch}))
			Expect(sr.Freed()).To(BeTrue())
		})

		It("should report a surrogate that left its chain early", func() {
			Expect(db.RemoveFromChain(sr)).To(Succeed())

			_, err := m.FinalizeSurrogate(s, sr, sr.Identity(), priority.Passive)

			Expect(err).To(MatchError(ErrPrimaryGone))
			Expect(violations.Kinds()).
				To(Equal([]tracking.ViolationKind{tracking.ViolationChainMismatch}))
		})

		It("should report a surrogate left attached at close", func() {
			db.ReleaseLock(sr)

			Expect(m.CloseSession(s)).To(Succeed())

			Expect(violations.Kinds()).
				To(Equal([]tracking.ViolationKind{tracking.ViolationSurrogateLeaked}))
		})
	})

	Context("session lifetime", func() {
		var s *Session

		BeforeEach(func() {
			s, _, _, _ = m.CreateSession(plain, primary, priority.Passive)
			db.ReleaseLock(primary)
		})

		It("should be forgotten with its last reference", func() {
			Expect(s.Reference()).To(Succeed())
			Expect(s.References()).To(Equal(int32(2)))

			Expect(m.CloseSession(s)).To(Succeed())
			Expect(s.Closed()).To(BeTrue())
			Expect(m.Sessions()).To(HaveLen(1))

			last, err := m.DereferenceSession(s)
			Expect(err).NotTo(HaveOccurred())
			Expect(last).To(BeTrue())
			Expect(m.Sessions()).To(BeEmpty())
		})

		It("should not be closed twice", func() {
			Expect(m.CloseSession(s)).To(Succeed())
			Expect(m.CloseSession(s)).To(MatchError(ErrSessionClosed))
		})

		It("should not be revived", func() {
			Expect(m.CloseSession(s)).To(Succeed())

			Expect(s.Reference()).To(MatchError(ErrSessionClosed))
			_, err := m.DereferenceSession(s)
			Expect(err).To(MatchError(ErrSessionUnderflow))
		})
	})
})
