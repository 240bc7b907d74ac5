package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/iotrack/metrics"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/tracking"
)

type node struct{}

func (node) Name() string                       { return "Volume" }
func (node) Attributes() session.NodeAttributes { return 0 }

var _ = Describe("Monitor", func() {
	var (
		db *tracking.Database
		m  *Monitor
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		m.Router().ServeHTTP(rec, req)

		return rec
	}

	insert := func(id tracking.Identity) {
		r, _, err := db.InsertAndLock(id, nil, priority.Passive)
		Expect(err).NotTo(HaveOccurred())
		r.Advance("Volume")
		db.ReleaseLock(r)
	}

	BeforeEach(func() {
		db = tracking.MakeDatabaseBuilder().WithShardCount(4).Build("DB")
		m = NewMonitor(db)
	})

	It("should replace ports that are not allowed", func() {
		Expect(m.WithPortNumber(80).portNumber).To(Equal(0))
		Expect(m.WithPortNumber(8080).portNumber).To(Equal(8080))
	})

	It("should report database stats", func() {
		insert(0x10)

		rec := get("/api/stats")

		var stats tracking.Stats
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats.Live).To(Equal(int64(1)))
	})

	It("should count the records of every shard", func() {
		for id := tracking.Identity(1); id <= 20; id++ {
			insert(id)
		}

		rec := get("/api/shards")

		var shards []shardRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &shards)).To(Succeed())
		Expect(shards).To(HaveLen(4))

		total := 0
		for _, s := range shards {
			total += s.Records
		}
		Expect(total).To(Equal(20))
	})

	It("should list the records of one shard", func() {
		insert(0x42)
		n := db.ShardOf(0x42)

		rec := get(fmt.Sprintf("/api/shard/%d", n))

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"identity":66`))
	})

	It("should reject bad shard numbers", func() {
		Expect(get("/api/shard/x").Code).To(Equal(http.StatusBadRequest))
		Expect(get("/api/shard/9").Code).To(Equal(http.StatusNotFound))
	})

	It("should serialize one record", func() {
		insert(0x42)

		rec := get("/api/record/0x42")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("Volume"))
	})

	It("should answer 404 for unknown records", func() {
		Expect(get("/api/record/0x99").Code).To(Equal(http.StatusNotFound))
		Expect(get("/api/record/zz").Code).To(Equal(http.StatusBadRequest))
	})

	It("should list sessions", func() {
		sm := session.MakeManagerBuilder().WithDatabase(db).Build("Sessions")
		m.RegisterManager(sm)

		r, _, err := db.InsertAndLock(0x7, nil, priority.Passive)
		Expect(err).NotTo(HaveOccurred())
		s, r, _, err := sm.CreateSession(node{}, r, priority.Passive)
		Expect(err).NotTo(HaveOccurred())
		db.ReleaseLock(r)

		rec := get("/api/sessions")

		var infos []session.Info
		Expect(json.Unmarshal(rec.Body.Bytes(), &infos)).To(Succeed())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ID).To(Equal(s.ID()))
		Expect(infos[0].Node).To(Equal("Volume"))
	})

	It("should list progress bars", func() {
		bar := m.CreateProgressBar("Requests", 10)
		bar.Submitted()
		bar.Completed(true)

		other := m.CreateProgressBar("Other", 3)
		other.Submitted()
		other.Submitted()
		other.Completed(false)

		m.CompleteProgressBar(bar)

		rec := get("/api/progress")
		Expect(rec.Body.String()).To(ContainSubstring(`"name":"Other"`))
		Expect(rec.Body.String()).To(ContainSubstring(`"in_flight":1`))
		Expect(rec.Body.String()).To(ContainSubstring(`"failed":1`))
		Expect(rec.Body.String()).NotTo(ContainSubstring("Requests"))
	})

	It("should report process resources", func() {
		rec := get("/api/resource")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("memory_size"))
	})

	It("should expose prometheus metrics", func() {
		metrics.Register()

		rec := get("/metrics")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("iotrack_records_live"))
	})

	It("should serve the web page", func() {
		rec := get("/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})

	It("should serve over the network", func() {
		port, err := m.WithPortNumber(0).StartServer()
		Expect(err).NotTo(HaveOccurred())
		defer func() { Expect(m.Shutdown(context.Background())).To(Succeed()) }()

		rsp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/stats", port))
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(string(body))).To(HavePrefix("{"))
	})
})
