package triggers

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// filesystemWatcher fires when files under a path are created, modified,
// or deleted, via inotify. With recursive set, subdirectories existing at
// start and directories created later are watched too.
type filesystemWatcher struct {
	watcherBase
	path      string
	recursive bool
	events    map[string]bool
}

func newFilesystemWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*filesystemWatcher, error) {
	path := paramString(cond.Params, "path", "")
	if path == "" {
		return nil, fmt.Errorf("filesystem trigger requires \"path\" in params")
	}
	watched := paramStrings(cond.Params, "events")
	if len(watched) == 0 {
		watched = []string{"created", "modified", "deleted"}
	}
	events := make(map[string]bool, len(watched))
	for _, e := range watched {
		events[e] = true
	}
	return &filesystemWatcher{
		watcherBase: newWatcherBase(triggerID, fire, logger),
		path:        path,
		recursive:   paramBool(cond.Params, "recursive", false),
		events:      events,
	}, nil
}

func (w *filesystemWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		close(w.done)
		return fmt.Errorf("create filesystem watcher: %w", err)
	}
	if err := w.addPaths(fsw); err != nil {
		fsw.Close()
		close(w.done)
		return err
	}
	go w.run(fsw)
	return nil
}

func (w *filesystemWatcher) addPaths(fsw *fsnotify.Watcher) error {
	if err := fsw.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	if !w.recursive {
		return nil
	}
	return filepath.WalkDir(w.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || p == w.path {
			return nil
		}
		if err := fsw.Add(p); err != nil {
			w.logger.Warn("Cannot watch subdirectory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *filesystemWatcher) run(fsw *fsnotify.Watcher) {
	defer close(w.done)
	defer fsw.Close()
	w.logger.Debug("Filesystem watcher started",
		"trigger_id", w.triggerID, "path", w.path, "recursive", w.recursive)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			change := changeName(ev.Op)
			if change == "" || !w.events[change] {
				continue
			}
			if w.recursive && ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := fsw.Add(ev.Name); err != nil {
						w.logger.Warn("Cannot watch new subdirectory",
							"path", ev.Name, "error", err)
					}
				}
			}
			w.emit("filesystem.changed", map[string]any{
				"path":       ev.Name,
				"change":     change,
				"watch_root": w.path,
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.setErr(err.Error())
			return
		}
	}
}

func changeName(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return "deleted"
	default:
		return ""
	}
}

// processWatcher fires when a process matching a name glob starts or
// stops. It polls the process table; processes alive at start never
// count as "started".
type processWatcher struct {
	watcherBase
	namePattern string
	watchEvent  string
	poll        time.Duration
	knownPIDs   map[int32]bool
}

func newProcessWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*processWatcher, error) {
	name := paramString(cond.Params, "name", "")
	if name == "" {
		return nil, fmt.Errorf("process trigger requires \"name\" in params")
	}
	return &processWatcher{
		watcherBase: newWatcherBase(triggerID, fire, logger),
		namePattern: name,
		watchEvent:  paramString(cond.Params, "event", "started"),
		poll:        time.Duration(paramFloat(cond.Params, "poll_interval_seconds", 2) * float64(time.Second)),
	}, nil
}

func (w *processWatcher) Start() error {
	w.knownPIDs = w.matchingPIDs()
	go w.run()
	return nil
}

func (w *processWatcher) run() {
	defer close(w.done)
	w.logger.Debug("Process watcher started",
		"trigger_id", w.triggerID, "name", w.namePattern, "event", w.watchEvent)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
		current := w.matchingPIDs()
		if w.watchEvent == "started" {
			for pid := range current {
				if !w.knownPIDs[pid] {
					w.emit("process.started", map[string]any{
						"pid": pid, "name": w.namePattern, "event": "started",
					})
				}
			}
		}
		if w.watchEvent == "stopped" || w.watchEvent == "crashed" {
			for pid := range w.knownPIDs {
				if !current[pid] {
					w.emit("process.stopped", map[string]any{
						"pid": pid, "name": w.namePattern, "event": "stopped",
					})
				}
			}
		}
		w.knownPIDs = current
	}
}

func (w *processWatcher) matchingPIDs() map[int32]bool {
	pids := make(map[int32]bool)
	procs, err := process.Processes()
	if err != nil {
		return pids
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if matched, _ := filepath.Match(w.namePattern, name); matched {
			pids[p.Pid] = true
		}
	}
	return pids
}

// resourceWatcher fires when CPU, memory, or disk usage stays above a
// threshold for a sustained duration.
type resourceWatcher struct {
	watcherBase
	metric    string
	threshold float64
	duration  time.Duration
	diskPath  string
	poll      time.Duration

	aboveSince time.Time
}

func newResourceWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*resourceWatcher, error) {
	metric := paramString(cond.Params, "metric", "cpu_percent")
	switch metric {
	case "cpu_percent", "memory_percent", "disk_percent":
	default:
		return nil, fmt.Errorf("unknown resource metric %q", metric)
	}
	return &resourceWatcher{
		watcherBase: newWatcherBase(triggerID, fire, logger),
		metric:      metric,
		threshold:   paramFloat(cond.Params, "threshold", 80),
		duration:    time.Duration(paramFloat(cond.Params, "duration_seconds", 0) * float64(time.Second)),
		diskPath:    paramString(cond.Params, "disk_path", "/"),
		poll:        time.Duration(paramFloat(cond.Params, "poll_interval_seconds", 5) * float64(time.Second)),
	}, nil
}

func (w *resourceWatcher) Start() error {
	go w.run()
	return nil
}

func (w *resourceWatcher) run() {
	defer close(w.done)
	w.logger.Debug("Resource watcher started",
		"trigger_id", w.triggerID, "metric", w.metric, "threshold", w.threshold)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		}
		value, ok := w.sample()
		if !ok {
			continue
		}
		if value <= w.threshold {
			w.aboveSince = time.Time{}
			continue
		}
		if w.aboveSince.IsZero() {
			w.aboveSince = time.Now()
		}
		elapsed := time.Since(w.aboveSince)
		if elapsed >= w.duration {
			w.emit("resource.threshold_exceeded", map[string]any{
				"metric":           w.metric,
				"value":            value,
				"threshold":        w.threshold,
				"duration_seconds": elapsed.Seconds(),
			})
			// Re-arm after one fire.
			w.aboveSince = time.Time{}
		}
	}
}

func (w *resourceWatcher) sample() (float64, bool) {
	switch w.metric {
	case "cpu_percent":
		percents, err := cpu.Percent(0, false)
		if err != nil || len(percents) == 0 {
			return 0, false
		}
		return percents[0], true
	case "memory_percent":
		vm, err := mem.VirtualMemory()
		if err != nil {
			return 0, false
		}
		return vm.UsedPercent, true
	case "disk_percent":
		usage, err := disk.Usage(w.diskPath)
		if err != nil {
			w.logger.Warn("Resource sample failed", "metric", w.metric, "error", err)
			return 0, false
		}
		return usage.UsedPercent, true
	}
	return 0, false
}
