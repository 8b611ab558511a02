package subscribers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"

	"github.com/coachpo/pricegate/errs"
)

// KindScript identifies JavaScript Script subscribers.
const KindScript = "script"

const scriptEntryPoint = "onPrice"

var errScriptCancelled = errors.New("script cancelled")

// Script runs a JavaScript module exporting onPrice(pair, rate) inside a goja VM.
// Calls are serialised because a goja runtime is single-threaded.
type Script struct {
	name   string
	source string
	logger *log.Logger

	mu      sync.Mutex
	rt      *goja.Runtime
	onPrice goja.Callable
	running atomic.Bool
}

// NewScript compiles and evaluates source.
func NewScript(name, source string, logger *log.Logger) (*Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, errs.New("subscribers/script", errs.CodeInvalid, errs.WithMessage("script source required"))
	}
	if logger == nil {
		logger = log.New(os.Stdout, "script ", log.LstdFlags|log.Lmicroseconds)
	}
	program, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, errs.New("subscribers/script", errs.CodeInvalid,
			errs.WithMessage("compile script"), errs.WithField("name", name), errs.WithCause(err))
	}

	rt := goja.New()
	exports, err := runModule(rt, program, name, logger)
	if err != nil {
		return nil, errs.New("subscribers/script", errs.CodeInvalid,
			errs.WithMessage("evaluate script"), errs.WithField("name", name), errs.WithCause(err))
	}
	value := exports.Get(scriptEntryPoint)
	if goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, errs.New("subscribers/script", errs.CodeInvalid,
			errs.WithMessage("script must export onPrice"), errs.WithField("name", name))
	}
	callable, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("subscribers/script", errs.CodeInvalid,
			errs.WithMessage("onPrice export is not callable"), errs.WithField("name", name))
	}
	return &Script{name: name, source: source, logger: logger, rt: rt, onPrice: callable}, nil
}

func runModule(rt *goja.Runtime, program *goja.Program, name string, logger *log.Logger) (*goja.Object, error) {
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt, name, logger)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}
	object := module.Get("exports").ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime, name string, logger *log.Logger) *goja.Object {
	console := rt.NewObject()
	write := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		logger.Printf("script %s: %s", name, strings.Join(parts, " "))
		return goja.Undefined()
	}
	_ = console.Set("log", write)
	_ = console.Set("info", write)
	_ = console.Set("warn", write)
	_ = console.Set("error", write)
	return console
}

// OnPrice invokes onPrice(pair, rate). Context cancellation interrupts the script.
func (s *Script) OnPrice(ctx context.Context, instrument string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.rt.ClearInterrupt()
	stop := context.AfterFunc(ctx, func() { s.rt.Interrupt(context.Cause(ctx)) })
	s.running.Store(true)
	_, err := s.onPrice(goja.Undefined(), s.rt.ToValue(instrument), s.rt.ToValue(price))
	s.running.Store(false)
	stop()
	s.rt.ClearInterrupt()

	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("script %s interrupted: %w", s.name, cause)
		}
		return fmt.Errorf("script %s interrupted: %v", s.name, interrupted.Value())
	}
	return fmt.Errorf("script %s: %w", s.name, err)
}

// Cancel interrupts a running script. It always succeeds.
func (s *Script) Cancel() bool {
	if s.running.Load() {
		s.rt.Interrupt(errScriptCancelled)
		s.logger.Printf("script interrupted: name=%s", s.name)
	}
	return true
}

// Close interrupts any running invocation.
func (s *Script) Close() error {
	s.Cancel()
	return nil
}

// Kind returns KindScript.
func (s *Script) Kind() string { return KindScript }

// Name returns the configured name.
func (s *Script) Name() string { return s.name }

// Source returns the module source.
func (s *Script) Source() string { return s.source }
