package server

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
	"github.com/xiaonanln/gopresents/engine/async"
	"github.com/xiaonanln/gopresents/engine/dobj"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/opmon"
	"github.com/xiaonanln/gopresents/engine/post"
)

const reportAsyncGroup = "report"

// ProcessStats are the resource usage numbers of the server process
type ProcessStats struct {
	CPUPercent float64
	RSS        uint64
	Goroutines int
}

// Reporter periodically logs the state of the server
type Reporter struct {
	omgr   *dobj.Manager
	pool   *async.Pool
	conmgr *ConnectionManager
	clmgr  *ClientManager

	proc     *process.Process
	interval *post.Interval
	sources  map[string]func() string
	started  time.Time
}

// NewReporter creates a reporter; call Start to schedule reports
func NewReporter(omgr *dobj.Manager, pool *async.Pool, conmgr *ConnectionManager, clmgr *ClientManager) *Reporter {
	r := &Reporter{
		omgr:    omgr,
		pool:    pool,
		conmgr:  conmgr,
		clmgr:   clmgr,
		sources: map[string]func() string{},
		started: time.Now(),
	}
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		gwlog.Warnf("reporter: can not find server process: %v", err)
	} else {
		r.proc = p
	}
	r.interval = omgr.NewInterval(r.Report)
	return r
}

// AddSource adds a named section to every report. The source is called on the loop.
func (r *Reporter) AddSource(name string, source func() string) {
	r.sources[name] = source
}

// Start schedules a report every interval
func (r *Reporter) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.interval.Schedule(interval, true)
}

// Stop cancels the scheduled reports
func (r *Reporter) Stop() {
	r.interval.Cancel()
}

// Report collects process stats on a worker and logs the report on the loop
func (r *Reporter) Report() {
	r.pool.AppendAsyncJob(reportAsyncGroup, r.collectProcessStats, func(res interface{}, err error) {
		stats, _ := res.(*ProcessStats)
		if err != nil {
			gwlog.Warnf("reporter: collect process stats failed: %v", err)
		}
		gwlog.Infof("%s", r.GenerateReport(stats))
		opmon.Dump()
	})
}

func (r *Reporter) collectProcessStats() (interface{}, error) {
	stats := &ProcessStats{Goroutines: runtime.NumGoroutine()}
	if r.proc == nil {
		return stats, nil
	}
	pcnt, err := r.proc.CPUPercent()
	if err != nil {
		return stats, err
	}
	stats.CPUPercent = pcnt
	mem, err := r.proc.MemoryInfo()
	if err != nil {
		return stats, err
	}
	stats.RSS = mem.RSS
	return stats, nil
}

// GenerateReport builds the state of server report. Must be called on the loop.
func (r *Reporter) GenerateReport(stats *ProcessStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State of server report, up %s\n", time.Since(r.started).Truncate(time.Second))
	if stats != nil {
		fmt.Fprintf(&b, "- Process: cpu %.2f%%, rss %dKB, goroutines %d\n", stats.CPUPercent, stats.RSS/1024, stats.Goroutines)
	}
	if r.conmgr != nil {
		fmt.Fprintf(&b, "- Connections: %d\n", r.conmgr.ConnectionCount())
	}
	if r.clmgr != nil {
		fmt.Fprintf(&b, "- Sessions: %d\n", r.clmgr.SessionCount())
	}
	fmt.Fprintf(&b, "- Objects: %d, queued events: %d\n", r.omgr.ObjectCount(), r.omgr.QueueLen())

	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, r.sources[name]())
	}
	return strings.TrimSuffix(b.String(), "\n")
}
