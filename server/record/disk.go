package record

import (
	"fmt"
	"sync"
	"time"

	"github.com/berginj/PitchTracker-sub000/pkg/eventbus"
	"github.com/berginj/PitchTracker-sub000/pkg/taskpool"
	"github.com/berginj/PitchTracker-sub000/server/config"
	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/cyclopcam/logs"
	"golang.org/x/sys/unix"
)

const gigabyte = int64(1024 * 1024 * 1024)

// DiskMonitor polls free space on the recording volume and escalates
// through three thresholds: recommended (advisory, returned to the caller
// of start_recording), warning (published periodically), and critical
// (fires the stop callback so the orchestrator can end the session before
// the disk actually fills).
type DiskMonitor struct {
	log logs.Log
	bus *eventbus.Bus
	cfg config.Recording

	// freeSpace is swapped out by tests
	freeSpace func(path string) (int64, error)
	// onCritical is invoked at most once per crossing into critical
	onCritical func(freeBytes int64)

	shutdown chan struct{}
	group    taskpool.Group

	lock           sync.Mutex
	lastWarning    time.Time
	criticalActive bool
}

func NewDiskMonitor(logger logs.Log, bus *eventbus.Bus, cfg config.Recording, onCritical func(freeBytes int64)) *DiskMonitor {
	return &DiskMonitor{
		log:        logs.NewPrefixLogger(logger, "Disk"),
		bus:        bus,
		cfg:        cfg,
		freeSpace:  statfsFree,
		onCritical: onCritical,
		shutdown:   make(chan struct{}),
	}
}

func statfsFree(path string) (int64, error) {
	st := unix.Statfs_t{}
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

func (m *DiskMonitor) Start() {
	m.group.Go(m.run)
}

func (m *DiskMonitor) Stop() {
	close(m.shutdown)
	m.group.WaitTimeout(time.Duration(m.cfg.ShutdownJoinSec) * time.Second)
}

// CheckNow runs one check immediately and returns an advisory warning
// string when free space is below the recommended threshold ("" when
// healthy). This is the warning start_recording returns to its caller.
func (m *DiskMonitor) CheckNow() string {
	free, err := m.freeSpace(m.cfg.StoragePath)
	if err != nil {
		m.log.Errorf("Failed to stat %v: %v", m.cfg.StoragePath, err)
		return fmt.Sprintf("unable to check free disk space: %v", err)
	}
	m.evaluate(free)
	if free < int64(m.cfg.DiskRecommendedGB)*gigabyte {
		return fmt.Sprintf("free disk space %.1f GB is below the recommended %v GB",
			float64(free)/float64(gigabyte), m.cfg.DiskRecommendedGB)
	}
	return ""
}

func (m *DiskMonitor) run() {
	interval := time.Duration(m.cfg.DiskCheckSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			free, err := m.freeSpace(m.cfg.StoragePath)
			if err != nil {
				m.log.Errorf("Failed to stat %v: %v", m.cfg.StoragePath, err)
				continue
			}
			m.evaluate(free)
		}
	}
}

func (m *DiskMonitor) evaluate(free int64) {
	criticalAt := int64(m.cfg.DiskCriticalGB) * gigabyte
	warningAt := int64(m.cfg.DiskWarningGB) * gigabyte

	if free < criticalAt {
		m.lock.Lock()
		fire := !m.criticalActive
		m.criticalActive = true
		m.lock.Unlock()
		if fire {
			m.log.Criticalf("Free disk space %.1f GB below critical threshold %v GB, stopping recording",
				float64(free)/float64(gigabyte), m.cfg.DiskCriticalGB)
			m.bus.Publish(defs.MakeErrorReport(defs.ErrorRecording, defs.SeverityCritical, "disk",
				fmt.Sprintf("free disk space %.1f GB below critical threshold %v GB",
					float64(free)/float64(gigabyte), m.cfg.DiskCriticalGB)))
			if m.onCritical != nil {
				m.onCritical(free)
			}
		}
		return
	}

	m.lock.Lock()
	m.criticalActive = false
	warn := false
	if free < warningAt && time.Since(m.lastWarning) >= time.Duration(m.cfg.WarningIntervalSec)*time.Second {
		m.lastWarning = time.Now()
		warn = true
	}
	m.lock.Unlock()
	if warn {
		m.log.Warnf("Free disk space %.1f GB below warning threshold %v GB",
			float64(free)/float64(gigabyte), m.cfg.DiskWarningGB)
		m.bus.Publish(defs.MakeErrorReport(defs.ErrorRecording, defs.SeverityWarning, "disk",
			fmt.Sprintf("free disk space %.1f GB below warning threshold %v GB",
				float64(free)/float64(gigabyte), m.cfg.DiskWarningGB)))
	}
}
