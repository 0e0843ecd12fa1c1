// Package peers provides support code for managing and testing messengers.
package peers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creachadair/messenger"
	"github.com/creachadair/messenger/eventloop"
)

// Local is a pair of started messengers sharing one event loop and one
// working directory, suitable for testing.
type Local struct {
	Loop *eventloop.Loop
	A    *messenger.Messenger
	B    *messenger.Messenger
	Dir  string // the shared working directory
}

// NewLocal creates a pair of started messengers in a fresh temporary
// directory. If opts != nil, its settings other than WorkDir are used for
// both messengers.
func NewLocal(opts *messenger.Options) (*Local, error) {
	// Socket paths are limited in length, so keep the directory name short.
	dir, err := os.MkdirTemp("", "mq")
	if err != nil {
		return nil, err
	}
	loop, err := eventloop.New()
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	var o messenger.Options
	if opts != nil {
		o = *opts
	}
	o.WorkDir = dir

	p := &Local{Loop: loop, Dir: dir}
	if p.A, err = messenger.New(loop, loop, &o); err != nil {
		p.cleanup()
		return nil, err
	}
	if p.B, err = messenger.New(loop, loop, &o); err != nil {
		p.cleanup()
		return nil, err
	}
	p.A.Start()
	p.B.Start()
	return p, nil
}

// Pump runs the event loop until cond reports true or ctx ends.
// It must not be called from a callback.
func (p *Local) Pump(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pump: %w", err)
		}
		if err := p.Loop.RunOnce(20 * time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// PumpFor runs the event loop for at least d.
func (p *Local) PumpFor(d time.Duration) error {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
		if err := p.Loop.RunOnce(time.Until(end)); err != nil {
			return err
		}
	}
	return nil
}

// Stop finalizes both messengers, closes the loop, and removes the working
// directory.
func (p *Local) Stop() error {
	aerr := p.A.Finalize()
	berr := p.B.Finalize()
	return errors.Join(aerr, berr, p.cleanup())
}

func (p *Local) cleanup() error {
	return errors.Join(p.Loop.Close(), os.RemoveAll(p.Dir))
}
