// Package samples holds the sample fixtures and systems that ship with the
// specrun binary. Test projects under testdata/ are written against them.
package samples

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/seantiz/specrun/internal/fixture"
)

// System names.
const (
	SystemSamples = "Samples"
	SystemOne     = "MultipleSystems.System1"
	SystemTwo     = "MultipleSystems.System2"
)

const stateValue = "value"

// ErrNotImplemented is raised by the AddAndMultiplyThrow grammar.
var ErrNotImplemented = errors.New("not implemented")

func setValue(env *fixture.Env, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("not a number: %q", v)
	}
	env.State.Set(stateValue, n)
	return nil
}

func apply(op func(a, b int) (int, error)) func(env *fixture.Env, v string) error {
	return func(env *fixture.Env, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		out, err := op(env.State.Int(stateValue), n)
		if err != nil {
			return err
		}
		env.State.Set(stateValue, out)
		return nil
	}
}

func add(a, b int) (int, error)      { return a + b, nil }
func multiply(a, b int) (int, error) { return a * b, nil }

func divide(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func currentValue(env *fixture.Env) (string, error) {
	return strconv.Itoa(env.State.Int(stateValue)), nil
}

// Math is a calculator fixture. Every grammar operates on a running value
// kept in the fixture's state.
func Math() *fixture.Fixture {
	return fixture.New("Math", "Arithmetic").Add(
		fixture.NewGrammar("StartWith", "Start with {value}").Input("value", setValue),
		fixture.NewGrammar("Add", "Add {operand}").Input("operand", apply(add)),
		fixture.NewGrammar("MultiplyBy", "Multiply by {operand}").Input("operand", apply(multiply)),
		fixture.NewGrammar("Divide", "Divide by {by}, then the value is {result}").
			Input("by", apply(divide)).
			Check("result", currentValue),
		fixture.NewGrammar("TheValueShouldBe", "The value should be {value}").Check("value", currentValue),
		fixture.NewGrammar("Echo", "Echo {text}").Cell("text", func(_ *fixture.Env, v string) (string, error) {
			return v, nil
		}),
		fixture.NewGrammar("Throw", "Throw").Do(func(_ *fixture.Env) error {
			return errors.New("kaboom")
		}),
		fixture.NewGrammar("Panic", "Panic with {message}").Cell("message", func(_ *fixture.Env, v string) (string, error) {
			panic(v)
		}),
		fixture.NewGrammar("Halt", "Halt because {reason}, then {after}").
			Cell("reason", func(_ *fixture.Env, v string) (string, error) {
				return "", fixture.Abort("%s", v)
			}).
			Cell("after", func(_ *fixture.Env, v string) (string, error) {
				return v, nil
			}),
		fixture.NewGrammar("Sleep", "Sleep for {ms} milliseconds").Input("ms", func(env *fixture.Env, v string) error {
			ms, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("not a number: %q", v)
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil
			case <-env.Context().Done():
				return env.Context().Err()
			}
		}),
		fixture.NewGrammar("Greeting", "The greeting is {greeting}").Check("greeting", func(env *fixture.Env) (string, error) {
			g, ok := fixture.Lookup[string](env.Services, "greeting")
			if !ok {
				return "", errors.New("greeting service not registered")
			}
			return g, nil
		}),
	)
}

// Composite runs several Math operations as one step.
func Composite() *fixture.Fixture {
	paragraph := func(key, title string, addOp func(a, b int) (int, error)) *fixture.Grammar {
		return fixture.NewGrammar(key, title).
			Input("start", setValue).
			Input("add", apply(addOp)).
			Input("multiply", apply(multiply)).
			Check("result", currentValue)
	}
	return fixture.New("Composite", "Composite operations").Add(
		paragraph("AddAndMultiply", "Start with {start}, add {add}, multiply by {multiply}, result is {result}", add),
		paragraph("AddAndMultiplyThrow", "Start with {start}, add {add} (throws), multiply by {multiply}, result is {result}",
			func(int, int) (int, error) { return 0, ErrNotImplemented }),
	)
}

// Systems returns every sample system. Samples is the default.
func Systems() *fixture.Systems {
	return fixture.NewSystems(
		fixture.NewSystem(SystemSamples, fixture.NewLibrary(Math(), Composite()), fixture.ServiceMap{"greeting": "hello"}),
		fixture.NewSystem(SystemOne, fixture.NewLibrary(Math()), nil),
		fixture.NewSystem(SystemTwo, fixture.NewLibrary(Math(), Composite()), fixture.ServiceMap{"greeting": "hello from system 2"}),
	)
}
