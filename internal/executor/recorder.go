package executor

import (
	"context"
	"sync"
)

// Recorder is a Runner that records commands instead of running them. The
// optional Hook lets a caller fake the tool's side effects or failures.
type Recorder struct {
	Hook func(cmd Command) error

	mu       sync.Mutex
	commands []Command
}

// Run records cmd and calls Hook.
func (r *Recorder) Run(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if r.Hook != nil {
		return r.Hook(cmd)
	}
	return nil
}

// Commands returns a copy of every recorded command.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}
