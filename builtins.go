package gojaplatform

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/joeycumines/logiface"
)

const platformModuleName = `platform`

// maxTimerDelayMillis is the largest setTimeout delay honoured as given.
const maxTimerDelayMillis = math.MaxInt32

// consolePrinter routes script console output to the platform logger.
type consolePrinter struct {
	logger *logiface.Logger[logiface.Event]
}

func (x consolePrinter) Log(s string) {
	x.logger.Info().Str(`source`, `console`).Log(s)
}

func (x consolePrinter) Warn(s string) {
	x.logger.Warning().Str(`source`, `console`).Log(s)
}

func (x consolePrinter) Error(s string) {
	x.logger.Err().Str(`source`, `console`).Log(s)
}

var _ console.Printer = consolePrinter{}

// builtins are the host bindings installed on the isolate. Its state is
// only accessed with the isolate lock held.
type builtins struct {
	p       *Platform
	rt      *goja.Runtime
	timers  map[int64]*MainContextOperation
	buffers map[*byte]struct{}
	nextID  int64
}

func newBuiltins(p *Platform, rt *goja.Runtime) *builtins {
	return &builtins{
		p:       p,
		rt:      rt,
		timers:  make(map[int64]*MainContextOperation),
		buffers: make(map[*byte]struct{}),
	}
}

func (x *builtins) bind() error {
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		`setTimeout`:   x.setTimeout,
		`clearTimeout`: x.clearTimeout,
		`setImmediate`: x.setImmediate,
	} {
		if err := x.rt.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (x *builtins) callback(name string, call goja.FunctionCall, from int) func() {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(x.rt.NewTypeError(name + " requires a function as first argument"))
	}
	var args []goja.Value
	if len(call.Arguments) > from {
		args = append(args, call.Arguments[from:]...)
	}
	return func() {
		if _, err := fn(goja.Undefined(), args...); err != nil {
			x.p.logger.Err().
				Err(err).
				Str(`source`, name).
				Log(`uncaught exception in callback`)
		}
	}
}

// schedule runs cb on the foreground loop, under the isolate lock.
func (x *builtins) schedule(delay time.Duration, cb func()) goja.Value {
	x.nextID++
	id := x.nextID
	op := x.p.ScheduleOnForegroundThreadDelayed(delay, func() {
		l := NewLocker(x.p)
		defer l.Unlock()
		delete(x.timers, id)
		cb()
	})
	if !op.State().Terminal() {
		x.timers[id] = op
	}
	return x.rt.ToValue(id)
}

func (x *builtins) setTimeout(call goja.FunctionCall) goja.Value {
	cb := x.callback(`setTimeout`, call, 2)
	ms := call.Argument(1).ToInteger()
	if ms < 0 {
		ms = 0
	} else if ms > maxTimerDelayMillis {
		// matches Node, which treats out of range delays as 1ms
		ms = 1
	}
	return x.schedule(time.Duration(ms)*time.Millisecond, cb)
}

func (x *builtins) setImmediate(call goja.FunctionCall) goja.Value {
	return x.schedule(0, x.callback(`setImmediate`, call, 1))
}

func (x *builtins) clearTimeout(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).ToInteger()
	if op, ok := x.timers[id]; ok {
		delete(x.timers, id)
		op.Cancel()
	}
	return goja.Undefined()
}

// requirePlatform is the loader for require('platform').
func (x *builtins) requirePlatform(rt *goja.Runtime, module *goja.Object) {
	exports := module.Get(`exports`).(*goja.Object)
	_ = exports.Set(`now`, func() float64 {
		return x.p.MonotonicallyIncreasingTime() * 1e3
	})
	_ = exports.Set(`clockTime`, x.p.CurrentClockTimeMillis)
	_ = exports.Set(`workerCount`, x.p.NumberOfWorkerThreads())
	_ = exports.Set(`allocate`, x.allocate)
	_ = exports.Set(`free`, x.free)
}

func (x *builtins) allocate(call goja.FunctionCall) goja.Value {
	size := call.Argument(0).ToInteger()
	if size <= 0 {
		panic(x.rt.NewTypeError("allocate requires a positive size"))
	}
	if size > MaxArrayBufferLength || size > math.MaxInt {
		panic(x.rangeError(fmt.Errorf("%w: array buffer of %d bytes exceeds maximum length %d", ErrOutOfMemory, size, MaxArrayBufferLength)))
	}
	b, err := x.p.bufferAllocator.Allocate(int(size))
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			panic(x.rangeError(err))
		}
		panic(x.rt.NewGoError(err))
	}
	x.buffers[&b[0]] = struct{}{}
	return x.rt.ToValue(x.rt.NewArrayBuffer(b))
}

// rangeError builds a script RangeError, the way engines report failed
// array buffer allocations.
func (x *builtins) rangeError(err error) *goja.Object {
	ctor, ok := goja.AssertConstructor(x.rt.Get(`RangeError`))
	if !ok {
		return x.rt.NewGoError(err)
	}
	obj, cerr := ctor(nil, x.rt.ToValue(err.Error()))
	if cerr != nil {
		return x.rt.NewGoError(err)
	}
	return obj
}

func (x *builtins) free(call goja.FunctionCall) goja.Value {
	ab, ok := call.Argument(0).Export().(goja.ArrayBuffer)
	if !ok {
		panic(x.rt.NewTypeError("free requires an ArrayBuffer"))
	}
	b := ab.Bytes()
	if len(b) == 0 {
		return goja.Undefined()
	}
	if _, ok := x.buffers[&b[0]]; ok {
		delete(x.buffers, &b[0])
		x.p.bufferAllocator.Free(b)
	}
	return goja.Undefined()
}
