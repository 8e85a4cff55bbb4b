/*Package comm provides connection makers and framing for talking to lab hardware
over serial ports or TCP.

Most usages of this package boil down to:
	1.  build a CreationFunc with SerialConnMaker or BackingOffTCPConnMaker
	2.  hand it to NewPool, which owns the connection(s)
	3.  Get a connection, wrap it in a Terminator if the device speaks
		line-terminated ASCII, and ReturnWithError when done

A minimal example for an LED driver that accepts "L1 50\r" and answers
with "OK\r":

	maker := comm.SerialConnMaker(&serial.Config{Name: "/dev/ttyUSB0", Baud: 19200})
	pool := comm.NewPool(1, 10*time.Second, maker)
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	rw := comm.NewTerminator(conn, '\r', '\r')
	_, err = io.WriteString(rw, "L1 50")
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// connBackoff is the policy used when opening connections.  Serial adapters
// and terminal servers do not like being connection thrashed
func connBackoff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// retryOpen runs open under connBackoff.  Errors which will never go away
// (refused, no such file) end the retry immediately.
func retryOpen(addr string, open func() (io.ReadWriteCloser, error)) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || strings.Contains(errS, "no such") {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, connBackoff())
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, fmt.Errorf("unable to open %s: %w", addr, err)
	}
	return conn, nil
}

// SerialConnMaker returns a CreationFunc that opens the serial port described
// by conf, retrying with backoff
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return retryOpen(conf.Name, func() (io.ReadWriteCloser, error) {
			return serial.OpenPort(conf)
		})
	}
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr over TCP,
// retrying with backoff.  timeout bounds each dial.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return retryOpen(addr, func() (io.ReadWriteCloser, error) {
			return TCPSetup(addr, timeout)
		})
	}
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// Terminator wraps a ReadWriter so that writes are suffixed with a Tx
// terminator and reads return one Rx-terminated message with the terminator
// stripped
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	rx byte
	tx byte
}

// NewTerminator returns a Terminator around rw
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends p followed by the Tx terminator.  The returned count excludes
// the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	buf := make([]byte, 0, len(p)+1)
	buf = append(buf, p...)
	buf = append(buf, t.tx)
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads one message into p, stripping the Rx terminator.  If the message
// is longer than p it is truncated.
func (t *Terminator) Read(p []byte) (int, error) {
	msg, err := t.ReadMessage()
	n := copy(p, msg)
	return n, err
}

// ReadMessage reads until the Rx terminator and returns the message without it
func (t *Terminator) ReadMessage() ([]byte, error) {
	if t.rw == nil {
		return nil, ErrNotConnected
	}
	buf, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if len(buf) > 0 && err == io.EOF {
			return buf, ErrTerminatorNotFound
		}
		return buf, err
	}
	return bytes.TrimSuffix(buf, []byte{t.rx}), nil
}
