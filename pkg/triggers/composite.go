package triggers

import (
	"fmt"
	"log/slog"
	"time"
)

// compositeWatcher combines the fires of other triggers with a logical
// operator. It holds no watchers of its own: the daemon forwards every
// sub-trigger fire through NotifySubFire.
//
// Operators:
//
//	AND     all sub-triggers fire within timeout_seconds of each other
//	OR      any one sub-trigger fires
//	NOT     none of the sub-triggers fired within silence_seconds,
//	        checked every check_interval_seconds
//	SEQ     sub-triggers fire in declaration order within timeout_seconds
//	WINDOW  one sub-trigger fires count times within window_seconds
type compositeWatcher struct {
	watcherBase
	operator      string
	subIDs        []string
	timeout       time.Duration
	silence       time.Duration
	checkInterval time.Duration
	count         int
	window        time.Duration

	notify chan subFire

	// Evaluation state, touched only by the run goroutine.
	fires       map[string]time.Time
	seqPos      int
	seqStart    time.Time
	windowTimes []time.Time
}

type subFire struct {
	triggerID string
	eventType string
	payload   map[string]any
}

func newCompositeWatcher(triggerID string, cond Condition, fire FireFunc, logger *slog.Logger) (*compositeWatcher, error) {
	params := cond.Params
	operator := paramString(params, "operator", "OR")
	switch operator {
	case "AND", "OR", "NOT", "SEQ", "WINDOW":
	default:
		return nil, fmt.Errorf("unknown composite operator %q", operator)
	}
	subIDs := paramStrings(params, "trigger_ids")
	if len(subIDs) == 0 {
		return nil, fmt.Errorf("composite trigger requires \"trigger_ids\" in params")
	}
	return &compositeWatcher{
		watcherBase:   newWatcherBase(triggerID, fire, logger),
		operator:      operator,
		subIDs:        subIDs,
		timeout:       time.Duration(paramFloat(params, "timeout_seconds", 60) * float64(time.Second)),
		silence:       time.Duration(paramFloat(params, "silence_seconds", 300) * float64(time.Second)),
		checkInterval: time.Duration(paramFloat(params, "check_interval_seconds", 60) * float64(time.Second)),
		count:         paramInt(params, "count", 1),
		window:        time.Duration(paramFloat(params, "window_seconds", 300) * float64(time.Second)),
		notify:        make(chan subFire, 64),
		fires:         make(map[string]time.Time),
	}, nil
}

// NotifySubFire feeds a sub-trigger fire into the evaluation loop.
// Fires from triggers outside the configured set are ignored.
func (w *compositeWatcher) NotifySubFire(subTriggerID, eventType string, payload map[string]any) {
	if !w.watches(subTriggerID) {
		return
	}
	select {
	case w.notify <- subFire{triggerID: subTriggerID, eventType: eventType, payload: payload}:
	default:
		w.logger.Warn("Composite notify queue full, dropping sub-fire",
			"trigger_id", w.triggerID, "sub_trigger_id", subTriggerID)
	}
}

func (w *compositeWatcher) watches(subTriggerID string) bool {
	for _, id := range w.subIDs {
		if id == subTriggerID {
			return true
		}
	}
	return false
}

func (w *compositeWatcher) Start() error {
	go w.run()
	return nil
}

func (w *compositeWatcher) run() {
	defer close(w.done)
	w.logger.Debug("Composite watcher started",
		"trigger_id", w.triggerID, "operator", w.operator, "subs", w.subIDs)
	if w.operator == "NOT" {
		w.runNot()
		return
	}
	cleanup := time.NewTicker(time.Second)
	defer cleanup.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-cleanup.C:
			w.dropStaleFires()
		case sf := <-w.notify:
			w.fires[sf.triggerID] = time.Now()
			if fired, payload := w.evaluate(sf); fired {
				w.emit("composite.fired", payload)
				w.resetState()
			}
		}
	}
}

// runNot fires whenever every sub-trigger has been silent for the
// configured stretch.
func (w *compositeWatcher) runNot() {
	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case sf := <-w.notify:
			w.fires[sf.triggerID] = time.Now()
		case <-ticker.C:
			now := time.Now()
			allSilent := true
			for _, id := range w.subIDs {
				if last, ok := w.fires[id]; ok && now.Sub(last) <= w.silence {
					allSilent = false
					break
				}
			}
			if allSilent {
				w.emit("composite.not_fired", map[string]any{
					"silence_seconds": w.silence.Seconds(),
				})
			}
		}
	}
}

func (w *compositeWatcher) evaluate(sf subFire) (bool, map[string]any) {
	base := map[string]any{
		"operator":       w.operator,
		"sub_trigger_id": sf.triggerID,
		"event_type":     sf.eventType,
		"payload":        sf.payload,
	}

	switch w.operator {
	case "OR":
		return true, base

	case "AND":
		now := time.Now()
		for _, id := range w.subIDs {
			last, ok := w.fires[id]
			if !ok || now.Sub(last) >= w.timeout {
				return false, nil
			}
		}
		return true, base

	case "SEQ":
		expected := ""
		if w.seqPos < len(w.subIDs) {
			expected = w.subIDs[w.seqPos]
		}
		if sf.triggerID != expected {
			w.seqPos = 0
			w.seqStart = time.Time{}
			return false, nil
		}
		if w.seqPos == 0 {
			w.seqStart = time.Now()
		}
		w.seqPos++
		if !w.seqStart.IsZero() && time.Since(w.seqStart) > w.timeout {
			w.seqPos = 0
			w.seqStart = time.Time{}
			return false, nil
		}
		if w.seqPos >= len(w.subIDs) {
			return true, base
		}
		return false, nil

	case "WINDOW":
		now := time.Now()
		w.windowTimes = append(w.windowTimes, now)
		keep := w.windowTimes[:0]
		for _, ts := range w.windowTimes {
			if now.Sub(ts) <= w.window {
				keep = append(keep, ts)
			}
		}
		w.windowTimes = keep
		if len(w.windowTimes) >= w.count {
			base["count"] = len(w.windowTimes)
			base["window_seconds"] = w.window.Seconds()
			return true, base
		}
		return false, nil
	}
	return false, nil
}

// dropStaleFires evicts fire records older than the timeout so AND and
// SEQ matches stay within their window.
func (w *compositeWatcher) dropStaleFires() {
	now := time.Now()
	for id, ts := range w.fires {
		if now.Sub(ts) >= w.timeout {
			delete(w.fires, id)
		}
	}
}

func (w *compositeWatcher) resetState() {
	w.fires = make(map[string]time.Time)
	w.seqPos = 0
	w.seqStart = time.Time{}
	w.windowTimes = nil
}
