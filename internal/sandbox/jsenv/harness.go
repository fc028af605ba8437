package jsenv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

type pendingTimer struct {
	timer *time.Timer
	fn    goja.Callable
	args  []goja.Value
}

// timerQueue backs setTimeout. Callbacks fire on the Execute goroutine; the
// time package only signals which timer is due.
type timerQueue struct {
	next   int64
	active map[int64]*pendingTimer
	fired  chan int64
	done   chan struct{}
	closed bool
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		active: make(map[int64]*pendingTimer),
		fired:  make(chan int64),
		done:   make(chan struct{}),
	}
}

func (q *timerQueue) close() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
	for id, t := range q.active {
		t.timer.Stop()
		delete(q.active, id)
	}
}

func (i *Instance) setTimeout(call goja.FunctionCall) goja.Value {
	cb := call.Argument(0)
	fn, ok := goja.AssertFunction(cb)
	if !ok {
		if _, isString := cb.Export().(string); isString {
			i.throwMessage(NameSecurityError, "string-form timers are not allowed")
		}
		i.throwMessage("TypeError", "setTimeout requires a function")
	}
	delay := call.Argument(1).ToInteger()
	if delay < 0 {
		delay = 0
	}
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	q := i.timers
	q.next++
	id := q.next
	q.active[id] = &pendingTimer{
		fn:   fn,
		args: args,
		timer: time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			select {
			case q.fired <- id:
			case <-q.done:
			}
		}),
	}
	return i.vm.ToValue(id)
}

func (i *Instance) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if t, ok := i.timers.active[id]; ok {
		t.timer.Stop()
		delete(i.timers.active, id)
	}
	return goja.Undefined()
}

// Execute evaluates source as a module, calls its exported execute function
// with params and the environment context, and waits for the result to
// settle. The returned value is JSON-normalized.
//
// Cancelling ctx interrupts the runtime; a deadline surfaces as ErrTimeout.
// Execute must be called at most once per Instance.
func (i *Instance) Execute(ctx context.Context, source string, params map[string]any) (any, error) {
	i.ctx = ctx
	defer i.timers.close()

	stop := context.AfterFunc(ctx, func() {
		i.Interrupt(contextError(ctx))
	})
	defer stop()

	if err := ctx.Err(); err != nil {
		return nil, contextError(ctx)
	}

	wrapped := "(function (module, exports) {\n" + source + "\n})"
	factory, err := i.vm.RunScript(i.env.AgentName+".js", wrapped)
	if err != nil {
		return nil, fromGoja(err)
	}
	load, ok := goja.AssertFunction(factory)
	if !ok {
		return nil, ErrNoExecute
	}

	module := i.vm.NewObject()
	exports := i.vm.NewObject()
	_ = module.Set("exports", exports)
	if _, err := load(goja.Undefined(), module, exports); err != nil {
		return nil, fromGoja(err)
	}

	exported := module.Get("exports")
	obj, ok := exported.(*goja.Object)
	if !ok {
		return nil, ErrNoExecute
	}
	execute, ok := goja.AssertFunction(obj.Get("execute"))
	if !ok {
		return nil, ErrNoExecute
	}

	if params == nil {
		params = map[string]any{}
	}
	paramsValue, err := i.toJS(params)
	if err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	ret, err := execute(obj, paramsValue, i.vm.Get("context"))
	if err != nil {
		return nil, fromGoja(err)
	}
	return i.settle(ctx, ret)
}

// settle waits for a promise result, running due timers in between.
func (i *Instance) settle(ctx context.Context, v goja.Value) (any, error) {
	for {
		if v == nil {
			return nil, nil
		}
		promise, ok := v.Export().(*goja.Promise)
		if !ok {
			return i.fromJS(v)
		}
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return i.fromJS(promise.Result())
		case goja.PromiseStateRejected:
			return nil, scriptErrorFromValue(promise.Result(), nil)
		}
		if err := i.runNextTimer(ctx); err != nil {
			return nil, err
		}
	}
}

func (i *Instance) runNextTimer(ctx context.Context) error {
	if len(i.timers.active) == 0 {
		return ErrNeverSettled
	}
	select {
	case id := <-i.timers.fired:
		t, ok := i.timers.active[id]
		if !ok {
			return nil
		}
		delete(i.timers.active, id)
		if _, err := t.fn(goja.Undefined(), t.args...); err != nil {
			return fromGoja(err)
		}
		return nil
	case v := <-i.interrupted:
		return interruptError(v)
	case <-ctx.Done():
		return contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if cause == nil {
		return context.Canceled
	}
	return cause
}

func interruptError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("interrupted: %v", v)
}
