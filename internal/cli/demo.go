package cli

import (
	"fmt"
	"time"

	"github.com/dshills/flowfiber-go/flow"
)

// GreetArgs are the arguments of the Greet demo flow.
type GreetArgs struct {
	Peer string `json:"peer"`
	Name string `json:"name"`
}

// NapArgs are the arguments of the Nap demo flow.
type NapArgs struct {
	Duration string `json:"duration"`
}

// DemoRegistry returns the flows bundled with flowworker:
//
//	Echo     returns its string argument
//	Greet    opens a "greet" session to args.peer and returns the reply
//	Greeter  responds to "greet" sessions
//	Nap      sleeps for args.duration
//	Save     persists its argument and reads it back
func DemoRegistry() (*flow.Registry, error) {
	r := flow.NewRegistry(nil)

	flows := map[string]flow.LogicFunc{
		"Echo":    echoFlow,
		"Greet":   greetFlow,
		"Greeter": greeterFlow,
		"Nap":     napFlow,
		"Save":    saveFlow,
	}
	for name, fn := range flows {
		if err := r.RegisterFlow(name, flow.Stateless(fn)); err != nil {
			return nil, err
		}
	}
	if err := r.RegisterResponder("greet", []int{1}, "Greeter"); err != nil {
		return nil, err
	}
	return r, nil
}

func echoFlow(f *flow.Fiber) (any, error) {
	var msg string
	if err := f.Args(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func greetFlow(f *flow.Fiber) (any, error) {
	var args GreetArgs
	if err := f.Args(&args); err != nil {
		return nil, err
	}
	if args.Peer == "" {
		return nil, fmt.Errorf("greet: peer is required")
	}

	s := f.InitiateFlow(args.Peer, "greet", 1)
	var reply string
	if err := f.SendAndReceive(s, args.Name, &reply); err != nil {
		return nil, err
	}
	return reply, f.Close(s)
}

func greeterFlow(f *flow.Fiber) (any, error) {
	s := f.InitiatingSession()
	var name string
	if err := f.Receive(s, &name); err != nil {
		return nil, err
	}
	return nil, f.Send(s, fmt.Sprintf("hello %s, from %s", name, f.HoldingIdentity()))
}

func napFlow(f *flow.Fiber) (any, error) {
	var args NapArgs
	if err := f.Args(&args); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(args.Duration)
	if err != nil {
		return nil, fmt.Errorf("nap: %w", err)
	}
	if err := f.Sleep(d); err != nil {
		return nil, err
	}
	return "rested", nil
}

func saveFlow(f *flow.Fiber) (any, error) {
	var entity map[string]any
	if err := f.Args(&entity); err != nil {
		return nil, err
	}
	if err := f.Persist(entity); err != nil {
		return nil, err
	}
	var stored map[string]any
	found, err := f.Find("entity", entity["id"], &stored)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("save: entity %v not found after persist", entity["id"])
	}
	return stored, nil
}
