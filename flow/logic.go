package flow

// Logic is the body of a flow.
//
// Call runs on a Fiber and may use the fiber's suspending operations
// (Persist, Send, Receive, Sleep, SubFlow, ...). Call is re-executed from the
// top every time the flow resumes, with completed operations answered from
// the fiber's journal, so it must be deterministic: the same sequence of
// suspending operations with the same arguments on every execution. Use
// Fiber.Now and the values returned by suspending operations instead of
// time.Now, random numbers or external state.
//
// The returned value becomes the flow's JSON result. A returned error or a
// panic fails the flow.
type Logic interface {
	Call(f *Fiber) (any, error)
}

// LogicFunc is a function adapter for Logic.
//
// Example:
//
//	echo := flow.LogicFunc(func(f *flow.Fiber) (any, error) {
//	    var args []string
//	    if err := f.Args(&args); err != nil {
//	        return nil, err
//	    }
//	    return args[0], nil
//	})
type LogicFunc func(f *Fiber) (any, error)

// Call implements Logic.
func (fn LogicFunc) Call(f *Fiber) (any, error) {
	return fn(f)
}

// Constructor creates a fresh Logic instance for one fiber execution.
type Constructor func() Logic

// Stateless returns a Constructor that always yields logic.
func Stateless(logic Logic) Constructor {
	return func() Logic { return logic }
}
