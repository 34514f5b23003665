package tracelog

import (
	"maps"
	"runtime"
	"slices"
	"strings"
)

// AddMetadataEvent adds a metadata event that's emitted at the start of every
// subsequent flush, until ClearMetadataEvents is called.
func (tl *TraceLog) AddMetadataEvent(name string, args ...Arg) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.metadataEvents = append(tl.metadataEvents, tl.newMetadataEventLocked(0, name, args...))
}

// ClearMetadataEvents removes every metadata event added with
// AddMetadataEvent.
func (tl *TraceLog) ClearMetadataEvents() {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.metadataEvents = nil
}

// SetProcessName sets the process_name metadata.
func (tl *TraceLog) SetProcessName(name string) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.processName = name
}

// SetProcessSortIndex sets the process_sort_index metadata.
func (tl *TraceLog) SetProcessSortIndex(index int) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.processSortIndex = &index
}

// UpdateProcessLabel sets a process label, which is reported in
// process_labels metadata.
func (tl *TraceLog) UpdateProcessLabel(id int, label string) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	tl.processLabels[id] = label
}

// RemoveProcessLabel removes a process label.
func (tl *TraceLog) RemoveProcessLabel(id int) {
	tl.mtx.Lock()
	defer tl.mtx.Unlock()
	delete(tl.processLabels, id)
}

func (tl *TraceLog) newMetadataEventLocked(tid int, name string, args ...Arg) TraceEvent {
	ev := TraceEvent{
		Duration:       -1,
		ThreadDuration: -1,
		Category:       tl.categories.metadata,
		Name:           name,
		ProcessID:      tl.pid,
		ThreadID:       tid,
		Phase:          PhaseMetadata,
	}
	ev.NumArgs = copy(ev.Args[:], args)
	return ev
}

// buildMetadataLocked returns the process and thread identity events, followed
// by user metadata events.
func (tl *TraceLog) buildMetadataLocked() []TraceEvent {
	var evs []TraceEvent
	add := func(tid int, name string, args ...Arg) {
		evs = append(evs, tl.newMetadataEventLocked(tid, name, args...))
	}

	add(0, "num_cpus", Int("number", int64(runtime.NumCPU())))

	if tl.processName != "" {
		add(0, "process_name", String("name", tl.processName))
	}

	if len(tl.processLabels) > 0 {
		labels := make([]string, 0, len(tl.processLabels))
		for _, id := range slices.Sorted(maps.Keys(tl.processLabels)) {
			labels = append(labels, tl.processLabels[id])
		}
		add(0, "process_labels", String("labels", strings.Join(labels, ",")))
	}

	if tl.processSortIndex != nil {
		add(0, "process_sort_index", Int("sort_index", int64(*tl.processSortIndex)))
	}

	for _, id := range slices.Sorted(maps.Keys(tl.threadNames)) {
		if name := tl.threadNames[id]; name != "" {
			add(id, "thread_name", String("name", name))
		}
		if index, ok := tl.threadSortIndexes[id]; ok {
			add(id, "thread_sort_index", Int("sort_index", int64(index)))
		}
	}

	return append(evs, tl.metadataEvents...)
}

func (tl *TraceLog) overflowEventLocked() TraceEvent {
	return tl.newMetadataEventLocked(0, "trace_buffer_overflowed", Int("overflowed_at_ts", tl.overflowAt.Microseconds()))
}
