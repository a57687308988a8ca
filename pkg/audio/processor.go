package audio

import "fmt"

// Processor transforms one unit into another.
//
// Implementations hold no mutable state shared between calls and must be safe
// for concurrent use by independent sessions. A non-nil error terminates the
// call the unit belongs to; it never affects other calls.
type Processor interface {
	Transform(u Unit) (Unit, error)
}

// ProcessorFunc adapts a plain function to [Processor].
type ProcessorFunc func(Unit) (Unit, error)

// Transform calls f(u).
func (f ProcessorFunc) Transform(u Unit) (Unit, error) {
	return f(u)
}

// Chain composes processors left to right. The output of each stage is the
// input of the next; the first error stops the chain and is returned wrapped
// with the stage index. Chain with no processors is the identity.
func Chain(ps ...Processor) Processor {
	stages := make([]Processor, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			stages = append(stages, p)
		}
	}
	if len(stages) == 1 {
		return stages[0]
	}
	return ProcessorFunc(func(u Unit) (Unit, error) {
		var err error
		for i, p := range stages {
			u, err = p.Transform(u)
			if err != nil {
				return Unit{}, fmt.Errorf("audio: processor stage %d: %w", i, err)
			}
		}
		return u, nil
	})
}
