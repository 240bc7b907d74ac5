package snapshot_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/snapshot"
	"github.com/sarchlab/iotrack/tracking"
)

func createRecord(db *tracking.Database, id tracking.Identity) *tracking.Record {
	r, created, err := db.InsertAndLock(id, nil, priority.Passive)
	Expect(err).NotTo(HaveOccurred())
	Expect(created).To(BeTrue())

	r.SetOperation(tracking.Operation{Major: uint8(id), Minor: uint8(id >> 8)})
	r.SetArgs([4]uint64{uint64(id), uint64(id), uint64(id), uint64(id)})
	Expect(db.Reference(r, tracking.RefSemantic)).To(Succeed())
	db.ReleaseLock(r)

	return r
}

func releaseRecord(db *tracking.Database, id tracking.Identity) error {
	r, ok := db.FindAndLock(id, priority.Passive)
	if !ok {
		return tracking.ErrRecordFreed
	}

	if _, err := db.Dereference(r, tracking.RefSemantic); err != nil {
		return err
	}

	_, err := db.Dereference(r, tracking.RefIdentity)

	return err
}

var _ = Describe("Reader", func() {
	var (
		db     *tracking.Database
		reader *snapshot.Reader
	)

	BeforeEach(func() {
		db = tracking.MakeDatabaseBuilder().WithShardCount(8).Build("DB")
		reader = snapshot.NewReader(db, priority.Passive)
	})

	It("should report the shard count", func() {
		Expect(reader.ShardCount()).To(Equal(8))
	})

	It("should require the shard to be locked", func() {
		_, err := reader.RetrieveSnapshot(0, make([]byte, 1024))
		Expect(err).To(MatchError(tracking.ErrShardNotLocked))

		Expect(reader.UnlockDatabase(0)).To(MatchError(tracking.ErrShardNotLocked))
		Expect(reader.LockDatabase(8)).To(MatchError(tracking.ErrShardIndex))
	})

	It("should negotiate the buffer size", func() {
		ids := []tracking.Identity{0x1000, 0x1008, 0x1010, 0x1018}
		for _, id := range ids {
			createRecord(db, id)
		}

		n := db.ShardOf(ids[0])
		expected := 0
		for _, id := range ids {
			if db.ShardOf(id) == n {
				expected++
			}
		}

		Expect(reader.LockDatabase(n)).To(Succeed())

		required, err := reader.RetrieveSnapshot(n, nil)
		Expect(err).To(MatchError(snapshot.ErrBufferTooSmall))
		Expect(required).To(Equal(snapshot.HeaderSize + expected*snapshot.EntrySize))

		buf := make([]byte, required)
		written, err := reader.RetrieveSnapshot(n, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(written).To(Equal(required))

		Expect(reader.UnlockDatabase(n)).To(Succeed())

		summaries, err := snapshot.Decode(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(summaries).To(HaveLen(expected))
		Expect(summaries[0]).To(Equal(snapshot.Summary{
			Identity:       0x1000,
			Operation:      tracking.Operation{Major: 0x00, Minor: 0x10},
			Flags:          tracking.FlagActive,
			ReferenceCount: 1,
			PointerCount:   1,
			ChainHead:      0x1000,
			Args:           [4]uint64{0x1000, 0x1000, 0x1000, 0x1000},
		}))
	})

	It("should read a whole shard", func() {
		createRecord(db, 0x2000)

		summaries, err := reader.Shard(db.ShardOf(0x2000))

		Expect(err).NotTo(HaveOccurred())
		Expect(summaries).To(HaveLen(1))
		Expect(summaries[0].Identity).To(Equal(tracking.Identity(0x2000)))
	})

	It("should read an empty shard", func() {
		summaries, err := reader.Shard(3)

		Expect(err).NotTo(HaveOccurred())
		Expect(summaries).To(BeEmpty())
	})

	It("should reject malformed streams", func() {
		_, err := snapshot.Decode([]byte{1, 2})
		Expect(err).To(MatchError(snapshot.ErrMalformed))

		_, err = snapshot.Decode([]byte{1, 0, 0, 0, 72, 0, 0, 0})
		Expect(err).To(MatchError(snapshot.ErrMalformed))

		_, err = snapshot.Decode([]byte{0, 0, 0, 0, 9, 0, 0, 0})
		Expect(err).To(MatchError(snapshot.ErrMalformed))
	})

	It("should purge the records of an unloading layer", func() {
		r, _, _ := db.InsertAndLock(0x3000, nil, priority.Passive)
		r.Advance("disk")
		db.ReleaseLock(r)

		Expect(reader.DeleteLogsFor("disk")).To(Equal(1))
		Expect(reader.DeleteLogsFor("disk")).To(Equal(0))
	})

	It("should not purge while holding a shard", func() {
		r, _, _ := db.InsertAndLock(0x3000, nil, priority.Passive)
		r.Advance("disk")
		db.ReleaseLock(r)

		n := db.ShardOf(0x3000)
		Expect(reader.LockDatabase(n)).To(Succeed())

		_, err := reader.DeleteLogsFor("disk")
		Expect(err).To(MatchError(snapshot.ErrShardHeld))

		Expect(reader.UnlockDatabase(n)).To(Succeed())
		Expect(reader.DeleteLogsFor("disk")).To(Equal(1))
	})

	It("should never show torn summaries under contention", func() {
		leakOpts := goleak.IgnoreCurrent()

		const (
			writers = 4
			cycles  = 1000
		)

		var writerGroup errgroup.Group
		for w := 0; w < writers; w++ {
			writerGroup.Go(func() error {
				defer GinkgoRecover()

				for i := 0; i < cycles/writers; i++ {
					id := tracking.Identity(0x10000 + w*cycles + i)
					createRecord(db, id)

					if err := releaseRecord(db, id); err != nil {
						return err
					}
				}

				return nil
			})
		}

		stop := make(chan struct{})
		reads := 0

		var readerGroup errgroup.Group
		readerGroup.Go(func() error {
			defer GinkgoRecover()

			for {
				for n := 0; n < reader.ShardCount(); n++ {
					summaries, err := reader.Shard(n)
					if err != nil {
						return err
					}

					for _, s := range summaries {
						Expect(s.Args).To(HaveEach(uint64(s.Identity)))
						Expect(s.Operation.Major).To(Equal(uint8(s.Identity)))
						Expect(db.ShardOf(s.Identity)).To(Equal(n))
					}
				}

				reads++

				select {
				case <-stop:
					return nil
				default:
				}
			}
		})

		done := make(chan error, 1)
		go func() {
			err := writerGroup.Wait()
			close(stop)

			if rerr := readerGroup.Wait(); err == nil {
				err = rerr
			}

			done <- err
		}()

		Eventually(done, 30*time.Second).Should(Receive(BeNil()))
		Expect(reads).To(BeNumerically(">", 0))
		Expect(db.Stats().Live).To(Equal(int64(0)))
		Expect(db.Stats().Created).To(Equal(uint64(cycles)))

		goleak.VerifyNone(GinkgoT(), leakOpts)
	})
})
