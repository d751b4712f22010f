package sandbox

import (
	"errors"
	"runtime"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/scriptbox/internal/logging"
	"github.com/GriffinCanCode/scriptbox/internal/monitoring"
	"github.com/GriffinCanCode/scriptbox/internal/shared/id"
)

// interruptReason identifies which supervisor aborted an execution.
type interruptReason string

const (
	interruptTimeout interruptReason = "cpu_deadline"
	interruptMemory  interruptReason = "memory_ceiling"
)

// execRequest carries one script (source or pre-compiled) to the worker.
type execRequest struct {
	code    string
	program *goja.Program
	result  chan *Result
}

// executor runs guest code on one environment under CPU and memory
// supervision. It lives on the worker goroutine; the supervisors are the
// only other goroutines that touch the VM, and only through Interrupt,
// which goja documents as safe for concurrent use.
type executor struct {
	env            *Environment
	cpu            time.Duration
	memBytes       uint64
	sampleInterval time.Duration

	bus     *Bus
	metrics *monitoring.Metrics
	log     *logging.Logger
}

// run executes one request and reports whether a resource supervisor
// tripped, in which case the surrounding runtime may be degraded and the
// worker must be torn down rather than reused.
func (x *executor) run(req execRequest) (res *Result, tripped bool) {
	execID := id.NewExecutionID()

	x.bus.Emit(Event{Phase: PhaseBefore, ExecutionID: execID, Payload: map[string]interface{}{}})

	x.env.beginExec(execID)
	defer x.env.endExec()

	start := time.Now()

	timer := time.AfterFunc(x.cpu, func() {
		x.env.vm.Interrupt(interruptTimeout)
	})
	stopSampler := make(chan struct{})
	go x.superviseMemory(stopSampler)

	var val goja.Value
	var err error
	if req.program != nil {
		val, err = x.env.vm.RunProgram(req.program)
	} else {
		val, err = x.env.vm.RunString(req.code)
	}

	timer.Stop()
	close(stopSampler)
	// Clear any interrupt that fired between the VM returning and the
	// timer stopping, so it cannot poison the next execution.
	x.env.vm.ClearInterrupt()

	duration := time.Since(start)

	res, tripped = x.classify(execID, val, err, duration)

	switch res.Kind {
	case KindValue:
		x.bus.Emit(Event{Phase: PhaseAfter, ExecutionID: execID, Payload: map[string]interface{}{
			"durationMs": res.Stats.DurationMs(),
		}})
	case KindError:
		x.bus.Emit(Event{Phase: PhaseError, ExecutionID: execID, Payload: map[string]interface{}{
			"kind":    string(res.ErrKind),
			"message": res.Err,
		}})
	}

	if x.metrics != nil {
		x.metrics.ObserveExecution(string(res.Kind), duration)
	}
	return res, tripped
}

func (x *executor) classify(execID id.ExecutionID, val goja.Value, err error, duration time.Duration) (*Result, bool) {
	if err == nil {
		var exported interface{}
		if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
			exported = val.Export()
		}
		return &Result{
			Kind:        KindValue,
			Value:       exported,
			Stats:       &Stats{Duration: duration},
			ExecutionID: execID,
		}, false
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		reason, _ := interrupted.Value().(interruptReason)
		switch reason {
		case interruptMemory:
			if x.metrics != nil {
				x.metrics.MemoryAbortsTotal.Inc()
			}
			x.log.Warn("execution aborted: memory ceiling",
				zap.String("execution_id", execID.String()))
			return errorResult(execID, ErrKindMemoryLimit, "memory ceiling exceeded"), true
		default:
			if x.metrics != nil {
				x.metrics.TimeoutsTotal.Inc()
			}
			x.log.Warn("execution aborted: cpu deadline",
				zap.String("execution_id", execID.String()),
				zap.Duration("deadline", x.cpu))
			return errorResult(execID, ErrKindTimeout, "execution deadline exceeded"), true
		}
	}

	// A gate rejection surfaces as a guest exception; the recorded
	// violation reclassifies it as a security condition.
	if viol := x.env.takeViolation(); viol != nil {
		if x.metrics != nil {
			x.metrics.ViolationsTotal.WithLabelValues(viol.class).Inc()
		}
		x.log.Warn("execution blocked: capability violation",
			zap.String("execution_id", execID.String()),
			zap.String("class", viol.class))
		return errorResult(execID, ErrKindSecurity, viol.Error()), false
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return errorResult(execID, ErrKindGuest, guestMessage(exception)), false
	}

	// Parse failures, stack overflows and other engine-reported conditions
	// are ordinary guest errors, not security conditions.
	return errorResult(execID, ErrKindGuest, err.Error()), false
}

// superviseMemory samples heap growth against the baseline taken at start.
// Enforcement is pre-emptive and external: a breach interrupts the VM, it
// does not instrument allocations. The samples are process-wide heap
// readings, the only accounting goja exposes, so allocations from concurrent
// workers in the same process count against this delta: the ceiling bounds
// combined heap growth during the execution, not one VM's own footprint,
// and a heavily allocating neighbor can push another worker over its limit.
func (x *executor) superviseMemory(stop <-chan struct{}) {
	baseline := heapAlloc()
	ticker := time.NewTicker(x.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			current := heapAlloc()
			if current > baseline && current-baseline > x.memBytes {
				x.env.vm.Interrupt(interruptMemory)
				return
			}
		}
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

func errorResult(execID id.ExecutionID, kind ErrorKind, message string) *Result {
	return &Result{
		Kind:        KindError,
		Err:         message,
		ErrKind:     kind,
		ExecutionID: execID,
	}
}

// guestMessage extracts a plain message string from a guest exception. No
// guest-derived object crosses the boundary: only the message text does.
func guestMessage(ex *goja.Exception) string {
	val := ex.Value()
	if obj, ok := val.(*goja.Object); ok && obj != nil {
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			return m.String()
		}
	}
	if val != nil {
		return val.String()
	}
	return ex.Error()
}
