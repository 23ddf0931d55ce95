package triggers

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// newTemporalWatcher picks the right time-based watcher from the
// condition params: "schedule" (cron), "interval_seconds", or "run_at".
func newTemporalWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (Watcher, error) {
	params := cond.Params
	if _, ok := params["schedule"]; ok {
		return newCronWatcher(triggerID, cond, fire, logger)
	}
	if _, ok := params["interval_seconds"]; ok {
		return newIntervalWatcher(triggerID, cond, fire, logger)
	}
	if _, ok := params["run_at"]; ok {
		return newOnceWatcher(triggerID, cond, fire, logger)
	}
	return nil, fmt.Errorf("temporal trigger needs \"schedule\", \"interval_seconds\", or \"run_at\" in params")
}

// intervalWatcher fires every interval. The first fire happens after one
// full interval, not at start.
type intervalWatcher struct {
	watcherBase
	interval time.Duration
}

func newIntervalWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*intervalWatcher, error) {
	secs := paramFloat(cond.Params, "interval_seconds", 60)
	if secs <= 0 {
		return nil, fmt.Errorf("interval_seconds must be positive, got %g", secs)
	}
	return &intervalWatcher{
		watcherBase: newWatcherBase(triggerID, fire, logger),
		interval:    time.Duration(secs * float64(time.Second)),
	}, nil
}

func (w *intervalWatcher) Start() error {
	go w.run()
	return nil
}

func (w *intervalWatcher) run() {
	defer close(w.done)
	w.logger.Debug("Interval watcher started",
		"trigger_id", w.triggerID, "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.emit("temporal.interval", map[string]any{
				"interval_seconds": w.interval.Seconds(),
				"fired_at":         unixNow(),
			})
		}
	}
}

// onceWatcher fires a single time at a Unix timestamp, then exits. A
// run_at in the past fires immediately.
type onceWatcher struct {
	watcherBase
	runAt float64
}

func newOnceWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*onceWatcher, error) {
	return &onceWatcher{
		watcherBase: newWatcherBase(triggerID, fire, logger),
		runAt:       paramFloat(cond.Params, "run_at", 0),
	}, nil
}

func (w *onceWatcher) Start() error {
	go w.run()
	return nil
}

func (w *onceWatcher) run() {
	defer close(w.done)
	delay := max(0, time.Duration((w.runAt-unixNow())*float64(time.Second)))
	w.logger.Debug("Once watcher started", "trigger_id", w.triggerID, "delay", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-w.stopCh:
		return
	case <-timer.C:
	}
	w.emit("temporal.once", map[string]any{
		"run_at":   w.runAt,
		"fired_at": unixNow(),
	})
}

// cronWatcher fires on a standard five-field cron expression, sleeping
// until the schedule's next activation. Drift is corrected every
// iteration by recomputing from the current time.
type cronWatcher struct {
	watcherBase
	spec     string
	schedule cron.Schedule
}

func newCronWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*cronWatcher, error) {
	spec := paramString(cond.Params, "schedule", "")
	if spec == "" {
		return nil, fmt.Errorf("cron trigger requires \"schedule\" in params")
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return &cronWatcher{
		watcherBase: newWatcherBase(triggerID, fire, logger),
		spec:        spec,
		schedule:    schedule,
	}, nil
}

func (w *cronWatcher) Start() error {
	go w.run()
	return nil
}

func (w *cronWatcher) run() {
	defer close(w.done)
	w.logger.Debug("Cron watcher started", "trigger_id", w.triggerID, "schedule", w.spec)
	for {
		next := w.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		w.emit("temporal.cron", map[string]any{
			"schedule":     w.spec,
			"scheduled_at": float64(next.UnixNano()) / 1e9,
			"fired_at":     unixNow(),
		})
	}
}
