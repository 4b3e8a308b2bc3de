package gojaplatform

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/go-sourcemap/sourcemap"
)

// BundleName identifies one of the engine code bundles.
type BundleName string

const (
	// BundleRuntime is built by InitRuntime, and always available.
	BundleRuntime BundleName = "runtime"
	BundleObjC    BundleName = "objc"
	BundleSwift   BundleName = "swift"
	BundleJava    BundleName = "java"
)

// bridgeBundles are built lazily, on first request, and exposed to
// scripts as require(name).
var bridgeBundles = [...]BundleName{BundleObjC, BundleSwift, BundleJava}

// BundleModule is one CommonJS-style module of a bundle.
type BundleModule struct {
	Name   string
	Source string
}

// BundleSource is the raw form of a bundle, as provided by a BundleLoader.
// SourceMap is an optional (version 3) source map, covering the generated
// code of every module.
type BundleSource struct {
	Name      BundleName
	SourceMap string
	Modules   []BundleModule
}

// BundleLoader supplies bundle sources. A nil source with a nil error means
// the loader has no such bundle.
type BundleLoader func(name BundleName) (*BundleSource, error)

// moduleWrapperPrefix is on the same line as the module source, so that
// line numbers are preserved.
const moduleWrapperPrefix = `(function (module, exports) {`

// Bundle is a compiled and evaluated bundle, owned by the Platform.
type Bundle struct {
	consumer *sourcemap.Consumer
	exports  goja.Value
	name     BundleName
	source   string
	programs []*goja.Program
	mu       sync.RWMutex
}

// Position is a location in original source, as resolved by a source map.
type Position struct {
	Source string
	Name   string
	Line   int
	Column int
}

// Name returns the bundle name.
func (x *Bundle) Name() BundleName { return x.name }

// SourceMap returns the raw source map, if any.
func (x *Bundle) SourceMap() string {
	if x == nil {
		return ``
	}
	return x.source
}

// Exports returns the value exported by the bundle's modules, or nil once
// released. The caller must hold the isolate lock to use it.
func (x *Bundle) Exports() goja.Value {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.exports
}

// Resolve maps a position in the generated code (1-based line, 0-based
// column) back to original source.
func (x *Bundle) Resolve(line, column int) (Position, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.consumer == nil {
		return Position{}, false
	}
	source, name, srcLine, srcColumn, ok := x.consumer.Source(line, column)
	if !ok {
		return Position{}, false
	}
	return Position{Source: source, Name: name, Line: srcLine, Column: srcColumn}, true
}

func (x *Bundle) release() {
	if x == nil {
		return
	}
	x.mu.Lock()
	x.consumer = nil
	x.exports = nil
	x.programs = nil
	x.mu.Unlock()
}

// compileBundle parses and compiles, without touching the isolate.
func compileBundle(name BundleName, src *BundleSource) (*Bundle, error) {
	b := &Bundle{name: name}
	if src == nil {
		return b, nil
	}
	b.source = src.SourceMap
	if src.SourceMap != `` {
		consumer, err := sourcemap.Parse(string(name)+`.js.map`, []byte(src.SourceMap))
		if err != nil {
			return nil, fmt.Errorf("gojaplatform: bundle %s: source map: %w", name, err)
		}
		b.consumer = consumer
	}
	b.programs = make([]*goja.Program, 0, len(src.Modules))
	for _, mod := range src.Modules {
		prog, err := goja.Compile(string(name)+`/`+mod.Name, moduleWrapperPrefix+mod.Source+"\n})", false)
		if err != nil {
			return nil, fmt.Errorf("gojaplatform: bundle %s: module %s: %w", name, mod.Name, err)
		}
		b.programs = append(b.programs, prog)
	}
	return b, nil
}

// evaluate runs each module in order, against a shared module object.
func (x *Bundle) evaluate(rt *goja.Runtime) error {
	module := rt.NewObject()
	if err := module.Set(`exports`, rt.NewObject()); err != nil {
		return err
	}
	for i, prog := range x.programs {
		v, err := rt.RunProgram(prog)
		if err != nil {
			return fmt.Errorf("gojaplatform: bundle %s: module %d: %w", x.name, i, err)
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return fmt.Errorf("gojaplatform: bundle %s: module %d: not a function", x.name, i)
		}
		if _, err := fn(goja.Undefined(), module, module.Get(`exports`)); err != nil {
			return fmt.Errorf("gojaplatform: bundle %s: module %d: %w", x.name, i, err)
		}
	}
	x.mu.Lock()
	x.exports = module.Get(`exports`)
	x.mu.Unlock()
	return nil
}

// bundleEntry builds a bridge bundle at most once.
type bundleEntry struct {
	bundle *Bundle
	err    error
	once   sync.Once
}

func (p *Platform) loadBundle(name BundleName) (*Bundle, error) {
	if p.bundleLoader == nil {
		if name == BundleRuntime {
			return &Bundle{name: name}, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNoBundleLoader, name)
	}
	src, err := p.bundleLoader(name)
	if err != nil {
		return nil, fmt.Errorf("gojaplatform: load bundle %s: %w", name, err)
	}
	if src == nil && name != BundleRuntime {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, name)
	}
	b, err := compileBundle(name, src)
	if err != nil {
		return nil, err
	}
	if err := p.WithIsolate(b.evaluate); err != nil {
		return nil, err
	}
	p.logger.Debug().
		Str(`bundle`, string(name)).
		Int(`modules`, len(b.programs)).
		Log(`bundle built`)
	return b, nil
}

// RuntimeBundle returns the bundle built by InitRuntime, or nil after Dispose.
func (p *Platform) RuntimeBundle() *Bundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runtimeBundle
}

// RuntimeSourceMap returns the runtime bundle's source map, if any.
func (p *Platform) RuntimeSourceMap() string {
	return p.RuntimeBundle().SourceMap()
}

// Bundle returns the named bundle, building a bridge bundle on first
// request. A failed build is not retried.
func (p *Platform) Bundle(name BundleName) (*Bundle, error) {
	if name == BundleRuntime {
		if b := p.RuntimeBundle(); b != nil {
			return b, nil
		}
		return nil, ErrPlatformDisposed
	}
	known := false
	for _, v := range bridgeBundles {
		if v == name {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBundle, name)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrPlatformDisposed
	}
	e := p.bundles[name]
	if e == nil {
		e = new(bundleEntry)
		p.bundles[name] = e
	}
	p.mu.Unlock()

	e.once.Do(func() { e.bundle, e.err = p.loadBundle(name) })
	return e.bundle, e.err
}

// BundleSourceMap returns the named bundle's source map, building it if
// necessary.
func (p *Platform) BundleSourceMap(name BundleName) (string, error) {
	b, err := p.Bundle(name)
	if err != nil {
		return ``, err
	}
	return b.SourceMap(), nil
}

// requireBundle exposes a bridge bundle's exports as a module.
func (p *Platform) requireBundle(name BundleName) require.ModuleLoader {
	return func(rt *goja.Runtime, module *goja.Object) {
		b, err := p.Bundle(name)
		if err != nil {
			panic(rt.NewGoError(err))
		}
		if err := module.Set(`exports`, b.Exports()); err != nil {
			panic(rt.NewGoError(err))
		}
	}
}
