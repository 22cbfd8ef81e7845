package pandabreath

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"
)

// link is one established TCP connection to the device or broker.
//
// Reads happen only on the worker goroutine through br. Writes may come from
// the worker (pongs, pings, resync) and from SetTarget callers, so they are
// serialised by writeMu and never interleave on the wire.
type link struct {
	conn         net.Conn
	br           *bufio.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func newLink(conn net.Conn, writeTimeout time.Duration) *link {
	return &link{
		conn:         conn,
		br:           bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

// write sends b in full or returns the error.
func (l *link) write(b []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := l.conn.Write(b)
	return err
}

// readDeadline arms the read timeout for the next receive.
func (l *link) readDeadline(d time.Duration) error {
	return l.conn.SetReadDeadline(time.Now().Add(d))
}

func (l *link) close() error {
	return l.conn.Close()
}

// isTimeout reports whether err is a read or write deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
