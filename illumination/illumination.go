// Package illumination drives the LED controller that lights the flare scene.
//
// The controller speaks a line-terminated ASCII protocol over a serial port
// (or a TCP terminal server in front of one) and does not acknowledge
// commands, so a Channel only writes.
package illumination

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/nasa-jpl/flarelab/comm"
	"github.com/nasa-jpl/flarelab/config"
	"github.com/nasa-jpl/flarelab/util"
)

// ErrState is returned when the controller is asked to do something its
// current state does not allow
var ErrState = errors.New("illumination controller in wrong state")

// Channel sends commands to an illumination controller
type Channel interface {
	Send(cmd string) error
	Close() error
}

// Serial is a Channel over a serial port or TCP terminal server
type Serial struct {
	pool *comm.Pool
	term byte
}

// isNetAddr reports if port is host:port rather than a device name
func isNetAddr(port string) bool {
	if strings.HasPrefix(port, "/") || strings.HasPrefix(strings.ToUpper(port), "COM") {
		return false
	}
	_, _, err := net.SplitHostPort(port)
	return err == nil
}

// NewSerial returns a Channel for the configured port.  No connection is
// made until the first Send.
func NewSerial(c config.Serial) *Serial {
	timeout := util.SecsToDuration(c.TimeoutSeconds)
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	var maker comm.CreationFunc
	if isNetAddr(c.Port) {
		maker = comm.BackingOffTCPConnMaker(c.Port, timeout)
	} else {
		maker = comm.SerialConnMaker(&serial.Config{Name: c.Port, Baud: c.Baud, ReadTimeout: timeout})
	}
	term := byte('\r')
	if c.Terminator != "" {
		term = c.Terminator[0]
	}
	return &Serial{pool: comm.NewPool(1, 30*time.Second, maker), term: term}
}

// Open makes sure the controller can be reached
func (s *Serial) Open() error {
	conn, err := s.pool.Get()
	if err != nil {
		return err
	}
	s.pool.Put(conn)
	return nil
}

// Send writes cmd followed by the terminator
func (s *Serial) Send(cmd string) (err error) {
	conn, err := s.pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, s.term, s.term)
	_, err = io.WriteString(wrap, cmd)
	return err
}

// Close releases the port
func (s *Serial) Close() error {
	return s.pool.Close()
}

// State is the state of the light
type State int

const (
	// Off means the off command was the last thing sent, or nothing has been
	Off State = iota

	// Settling means a profile command was sent and its settle delay has not elapsed
	Settling

	// On means the settle delay has elapsed and captures are valid
	On
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Settling:
		return "settling"
	case On:
		return "on"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Controller sequences profile changes on a Channel
type Controller struct {
	ch      Channel
	offCmd  string
	mu      sync.Mutex
	state   State
	profile string
}

// NewController returns a Controller which sends offCmd to de-energize
func NewController(ch Channel, offCmd string) *Controller {
	return &Controller{ch: ch, offCmd: offCmd}
}

// Set sends the profile's command and blocks for its settle delay.  If ctx
// ends during the delay the light is left in the Settling state and the
// context's error is returned; the caller is expected to call Off.
func (c *Controller) Set(ctx context.Context, p config.IlluminationProfile) error {
	c.mu.Lock()
	if c.state != Off {
		c.mu.Unlock()
		return fmt.Errorf("%w: set %q while %s with %q", ErrState, p.Name, c.state, c.profile)
	}
	if err := c.ch.Send(p.Command); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("sending %q for %s: %w", p.Command, p.Name, err)
	}
	c.state = Settling
	c.profile = p.Name
	c.mu.Unlock()

	if err := sleep(ctx, util.SecsToDuration(p.SettleSeconds)); err != nil {
		return err
	}

	c.mu.Lock()
	c.state = On
	c.mu.Unlock()
	return nil
}

// Off sends the off command.  The state becomes Off even if the send fails,
// since the light must be assumed to need attention either way.
func (c *Controller) Off() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ch.Send(c.offCmd)
	c.state = Off
	c.profile = ""
	if err != nil {
		return fmt.Errorf("sending off command %q: %w", c.offCmd, err)
	}
	return nil
}

// State returns the current state and profile name
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.profile
}

// Channel returns the underlying channel
func (c *Controller) Channel() Channel {
	return c.ch
}

// Close closes the underlying channel
func (c *Controller) Close() error {
	return c.ch.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
