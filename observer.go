package tracelog

import "slices"

// EnabledStateObserver is notified when recording starts and stops.
// Synchronous observers are called without the engine lock held, but must not
// call SetEnabled or SetDisabled, which are rejected while observers are being
// notified.
type EnabledStateObserver interface {
	OnTraceLogEnabled()
	OnTraceLogDisabled()
}

// TaskRunner runs posted tasks asynchronously. A *Thread is a TaskRunner.
type TaskRunner interface {
	PostTask(fn func()) bool
}

type asyncObserver struct {
	observer EnabledStateObserver
	runner   TaskRunner
}

// AddEnabledStateObserver registers a synchronous observer.
func (tl *TraceLog) AddEnabledStateObserver(o EnabledStateObserver) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.observers = append(tl.observers, o)
}

// RemoveEnabledStateObserver unregisters a synchronous observer.
func (tl *TraceLog) RemoveEnabledStateObserver(o EnabledStateObserver) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.observers = slices.DeleteFunc(slices.Clone(tl.observers), func(x EnabledStateObserver) bool { return x == o })
}

// HasEnabledStateObserver returns true if o is registered synchronously.
func (tl *TraceLog) HasEnabledStateObserver(o EnabledStateObserver) bool {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	return slices.Contains(tl.observers, o)
}

// AddAsyncEnabledStateObserver registers an observer that's notified via a
// task posted to the runner.
func (tl *TraceLog) AddAsyncEnabledStateObserver(o EnabledStateObserver, r TaskRunner) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.asyncObservers = append(tl.asyncObservers, asyncObserver{observer: o, runner: r})
}

// RemoveAsyncEnabledStateObserver unregisters an asynchronous observer.
func (tl *TraceLog) RemoveAsyncEnabledStateObserver(o EnabledStateObserver) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.asyncObservers = slices.DeleteFunc(slices.Clone(tl.asyncObservers), func(x asyncObserver) bool { return x.observer == o })
}

// notifyObservers calls every observer with the engine lock released. The
// caller must have set the dispatching flag, and must clear it afterwards.
func (tl *TraceLog) notifyObservers(observers []EnabledStateObserver, async []asyncObserver, enabled bool) {
	for _, o := range observers {
		if enabled {
			o.OnTraceLogEnabled()
		} else {
			o.OnTraceLogDisabled()
		}
	}

	for _, a := range async {
		o := a.observer
		fn := o.OnTraceLogDisabled
		if enabled {
			fn = o.OnTraceLogEnabled
		}
		if !a.runner.PostTask(fn) {
			tl.logger.Warn("async observer task rejected", "enabled", enabled)
		}
	}
}
