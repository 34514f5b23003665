package tracelog_test

import (
	"errors"
	"testing"

	"github.com/peterbourgon/tracelog"
)

type observer struct {
	enabled  int
	disabled int
	onEnable func()
}

func (o *observer) OnTraceLogEnabled() {
	o.enabled++
	if o.onEnable != nil {
		o.onEnable()
	}
}

func (o *observer) OnTraceLogDisabled() { o.disabled++ }

func TestEnabledStateObserver(t *testing.T) {
	t.Parallel()

	var (
		tl  = newTestTraceLog(t)
		obs = &observer{}
		cfg = mustConfig(t, "foo", "")
	)

	tl.AddEnabledStateObserver(obs)
	if !tl.HasEnabledStateObserver(obs) {
		t.Fatalf("observer not registered")
	}

	mustEnable(t, tl, cfg, tracelog.RecordingMode)
	mustEnable(t, tl, cfg, tracelog.RecordingMode) // merge, no notification
	mustDisable(t, tl)
	mustDisable(t, tl) // no-op

	if want, have := 1, obs.enabled; want != have {
		t.Errorf("enabled: want %d, have %d", want, have)
	}
	if want, have := 1, obs.disabled; want != have {
		t.Errorf("disabled: want %d, have %d", want, have)
	}

	tl.RemoveEnabledStateObserver(obs)
	if tl.HasEnabledStateObserver(obs) {
		t.Fatalf("observer still registered")
	}

	mustEnable(t, tl, cfg, tracelog.RecordingMode)
	if want, have := 1, obs.enabled; want != have {
		t.Errorf("enabled after remove: want %d, have %d", want, have)
	}
}

func TestObserverCannotReenterEnable(t *testing.T) {
	t.Parallel()

	var (
		tl  = newTestTraceLog(t)
		cfg = mustConfig(t, "foo", "")
		err error
	)

	obs := &observer{onEnable: func() {
		err = tl.SetEnabled(mustConfig(t, "bar", ""), tracelog.RecordingMode)
	}}
	tl.AddEnabledStateObserver(obs)

	mustEnable(t, tl, cfg, tracelog.RecordingMode)

	if want, have := tracelog.ErrObserverDispatch, err; !errors.Is(have, want) {
		t.Errorf("want %v, have %v", want, have)
	}
	if tl.GetCategory("bar").IsEnabled() {
		t.Errorf("re-entrant enable took effect")
	}

	// Dispatch is over, so state changes work again.
	mustDisable(t, tl)
}

func TestAsyncEnabledStateObserver(t *testing.T) {
	t.Parallel()

	var (
		tl     = newTestTraceLog(t)
		obs    = &observer{}
		runner = tl.NewThread("observer")
		cfg    = mustConfig(t, "foo", "")
	)
	defer runner.Close()

	tl.AddAsyncEnabledStateObserver(obs, runner)

	mustEnable(t, tl, cfg, tracelog.RecordingMode)
	if want, have := 0, obs.enabled; want != have {
		t.Errorf("async observer called synchronously")
	}

	if want, have := 1, runner.RunPending(); want != have {
		t.Errorf("tasks: want %d, have %d", want, have)
	}
	if want, have := 1, obs.enabled; want != have {
		t.Errorf("enabled: want %d, have %d", want, have)
	}

	tl.RemoveAsyncEnabledStateObserver(obs)
	mustDisable(t, tl)
	if want, have := 0, runner.RunPending(); want != have {
		t.Errorf("tasks after remove: want %d, have %d", want, have)
	}
}
