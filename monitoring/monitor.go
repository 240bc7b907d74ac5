// Package monitoring serves a live view of a tracking database over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
	"go.uber.org/zap"

	"github.com/sarchlab/iotrack/monitoring/web"
	"github.com/sarchlab/iotrack/priority"
	"github.com/sarchlab/iotrack/session"
	"github.com/sarchlab/iotrack/snapshot"
	"github.com/sarchlab/iotrack/tracking"
)

// Monitor turns a tracking database into a web server that diagnostic tools
// can query while traffic is running.
type Monitor struct {
	db         *tracking.Database
	reader     *snapshot.Reader
	managers   []*session.Manager
	portNumber int
	logger     *zap.Logger

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server   *http.Server
	listener net.Listener
}

// NewMonitor creates a new Monitor of db.
func NewMonitor(db *tracking.Database) *Monitor {
	return &Monitor{
		db:     db,
		reader: snapshot.NewReader(db, priority.Passive),
		logger: zap.NewNop(),
	}
}

// WithPortNumber sets the port number of the monitor. Ports below 1000 are
// not allowed and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warn("monitor port not allowed, using a random port",
			zap.Int("port", portNumber))

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithLogger sets the logger of the monitor.
func (m *Monitor) WithLogger(l *zap.Logger) *Monitor {
	m.logger = l
	return m
}

// RegisterManager registers a session manager whose sessions are listed.
func (m *Monitor) RegisterManager(sm *session.Manager) {
	m.managers = append(m.managers, sm)
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		id:    xid.New().String(),
		name:  name,
		start: time.Now(),
		total: total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the routes served by the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/shards", m.listShards)
	r.HandleFunc("/api/shard/{n}", m.shardSnapshot)
	r.HandleFunc("/api/record/{identity}", m.recordDetails)
	r.HandleFunc("/api/sessions", m.listSessions)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the port it
// listens on.
func (m *Monitor) StartServer() (int, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return 0, fmt.Errorf("starting monitor: %w", err)
	}

	m.listener = listener
	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	port := listener.Addr().(*net.TCPAddr).Port
	m.logger.Info("monitoring tracking database",
		zap.String("url", fmt.Sprintf("http://localhost:%d", port)))

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("monitor stopped", zap.Error(err))
		}
	}()

	return port, nil
}

// OpenBrowser opens the page of a started monitor.
func (m *Monitor) OpenBrowser() error {
	if m.listener == nil {
		return errors.New("monitor not started")
	}

	port := m.listener.Addr().(*net.TCPAddr).Port

	return browser.OpenURL(fmt.Sprintf("http://localhost:%d", port))
}

// Shutdown stops a started monitor.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Warn("writing monitor response", zap.Error(err))
	}
}

func (m *Monitor) fail(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	fmt.Fprintf(w, "Error: %s", err)
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, m.db.Stats())
}

type shardRsp struct {
	Shard   int `json:"shard"`
	Records int `json:"records"`
}

func (m *Monitor) listShards(w http.ResponseWriter, _ *http.Request) {
	rsp := make([]shardRsp, 0, m.reader.ShardCount())

	for n := 0; n < m.reader.ShardCount(); n++ {
		summaries, err := m.reader.Shard(n)
		if err != nil {
			m.fail(w, http.StatusInternalServerError, err)
			return
		}

		rsp = append(rsp, shardRsp{Shard: n, Records: len(summaries)})
	}

	m.writeJSON(w, rsp)
}

func (m *Monitor) shardSnapshot(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		m.fail(w, http.StatusBadRequest, err)
		return
	}

	summaries, err := m.reader.Shard(n)
	if errors.Is(err, tracking.ErrShardIndex) {
		m.fail(w, http.StatusNotFound, err)
		return
	}

	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, summaries)
}

func (m *Monitor) recordDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["identity"], 0, 64)
	if err != nil {
		m.fail(w, http.StatusBadRequest, err)
		return
	}

	d, found := m.db.Inspect(tracking.Identity(id))
	if !found {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Record not found"))

		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&d)
	serializer.SetMaxDepth(3)

	if err := serializer.Serialize(w); err != nil {
		m.logger.Warn("serializing record", zap.Error(err))
	}
}

func (m *Monitor) listSessions(w http.ResponseWriter, _ *http.Request) {
	infos := []session.Info{}
	for _, sm := range m.managers {
		infos = append(infos, sm.Sessions()...)
	}

	m.writeJSON(w, infos)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	progress := make([]Progress, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		progress = append(progress, b.Progress())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, progress)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second
	if s := r.URL.Query().Get("ms"); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil {
			m.fail(w, http.StatusBadRequest, err)
			return
		}

		duration = time.Duration(ms) * time.Millisecond
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.fail(w, http.StatusConflict, err)
		return
	}

	time.Sleep(duration)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.fail(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, prof)
}
