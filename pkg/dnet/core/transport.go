// Framed I/O over a peer's socket. Every wait is bounded by the peer's
// timeout; net.Conn deadlines play the role a poll(2) loop would on a
// nonblocking fd.
package core

import (
	"errors"
	"io"
	"net"
	"time"

	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

// deadline turns a peer timeout into an absolute time.Time suitable
// for net.Conn.SetReadDeadline/SetWriteDeadline. A non-positive
// timeout maps to the zero Time, meaning wait indefinitely.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Status classifies transport and transaction failures.
type Status int32

const (
	StatusOK Status = 0
	StatusMalformed Status = iota + 1000
	StatusDisconnect
	StatusTimeout
	StatusShutdown
	StatusDuplicate
	StatusNotFound
	StatusAborted
	StatusForwardFailed
	StatusResource
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusMalformed:
		return "MALFORMED"
	case StatusDisconnect:
		return "DISCONNECT"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusShutdown:
		return "SHUTDOWN"
	case StatusDuplicate:
		return "DUPLICATE"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAborted:
		return "ABORTED"
	case StatusForwardFailed:
		return "FORWARD_FAILED"
	case StatusResource:
		return "RESOURCE"
	default:
		return "UNKNOWN"
	}
}

// FramedError wraps a Status so callers can use errors.As to recover it
// while the message stays human readable.
type FramedError struct {
	Status Status
	Err    error
}

func (e *FramedError) Error() string {
	if e.Err != nil {
		return e.Status.String() + ": " + e.Err.Error()
	}
	return e.Status.String()
}

func (e *FramedError) Unwrap() error { return e.Err }

func statusErr(status Status, err error) *FramedError {
	return &FramedError{Status: status, Err: err}
}

// isTimeout reports whether err is a deadline-exceeded network error.
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// shutdownRequested lets SendAll/RecvAll/SendFile poll the node-wide
// shutdown signal between chunks.
func shutdownRequested(signal ShutdownSignal) bool {
	if signal == nil {
		return false
	}
	select {
	case <-signal.Done():
		return true
	default:
		return false
	}
}

// SendAll writes the entirety of data to the peer, retrying partial
// writes until the full length is transferred. Every wait is bounded by
// the peer's Timeout: a deadline that expires with no bytes written is a
// zero-progress wakeup, after which the loop re-checks for shutdown and
// waits again; a deadline that expires after a partial write returns
// StatusTimeout. Any other write error terminates the send rather than
// restarting it.
func SendAll(p *Peer, data []byte) error {
	remaining := data
	for len(remaining) > 0 {
		if shutdownRequested(p.signal) {
			return statusErr(StatusShutdown, nil)
		}

		if err := p.Conn.SetWriteDeadline(deadline(p.Timeout)); err != nil {
			return statusErr(StatusResource, err)
		}

		n, err := p.Conn.Write(remaining)
		if n > 0 {
			remaining = remaining[n:]
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if n == 0 {
				// Zero-progress wakeup: loop and wait again.
				continue
			}
			return statusErr(StatusTimeout, err)
		}
		return statusErr(StatusDisconnect, err)
	}
	return nil
}

// RecvAll reads exactly len(buf) bytes from the peer into buf, with the
// same timeout/shutdown/partial-progress semantics as SendAll. A
// peer-initiated close (Read returning io.EOF, or the deadline call
// failing on an already-closed connection) is reported as
// StatusDisconnect.
func RecvAll(p *Peer, buf []byte) error {
	remaining := buf
	for len(remaining) > 0 {
		if shutdownRequested(p.signal) {
			return statusErr(StatusShutdown, nil)
		}

		if err := p.Conn.SetReadDeadline(deadline(p.Timeout)); err != nil {
			if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return statusErr(StatusDisconnect, err)
			}
			return statusErr(StatusResource, err)
		}

		n, err := p.Conn.Read(remaining)
		if n > 0 {
			remaining = remaining[n:]
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			if n == 0 {
				continue
			}
			return statusErr(StatusTimeout, err)
		}
		if errors.Is(err, io.EOF) {
			return statusErr(StatusDisconnect, err)
		}
		return statusErr(StatusDisconnect, err)
	}
	return nil
}

// SendFile copies header atomically followed by at most size bytes
// from src starting at offset. If src is shorter than size, the
// remainder is padded with zeros so the receiver always gets exactly
// size bytes. The whole header+body sequence is sent under p.SendLock
// so no other sender can interleave bytes.
func SendFile(p *Peer, header []byte, src io.ReaderAt, offset int64, size int64) error {
	p.SendLock.Lock()
	defer p.SendLock.Unlock()

	if err := SendAll(p, header); err != nil {
		return err
	}

	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)
	var sent int64
	var paddedZeroes int64

	for sent < size {
		want := size - sent
		if want > chunkSize {
			want = chunkSize
		}

		n, rerr := src.ReadAt(buf[:want], offset+sent)
		if n > 0 {
			if err := SendAll(p, buf[:n]); err != nil {
				return err
			}
			sent += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return statusErr(StatusResource, rerr)
		}
	}

	if sent < size {
		remaining := size - sent
		paddedZeroes = remaining
		zero := make([]byte, chunkSize)
		for remaining > 0 {
			n := remaining
			if n > chunkSize {
				n = chunkSize
			}
			if err := SendAll(p, zero[:n]); err != nil {
				return err
			}
			remaining -= n
		}
	}

	if paddedZeroes > 0 && p.log != nil {
		p.log.Warnf("send_file: truncated source, padded %d zero bytes after %d real bytes", paddedZeroes, sent)
	}

	return nil
}

// RecvHeader reads and decodes one CommandHeader from the peer.
func RecvHeader(p *Peer, maxPayload uint64) (dnetwire.CommandHeader, error) {
	buf := make([]byte, dnetwire.HeaderSize)
	if err := RecvAll(p, buf); err != nil {
		return dnetwire.CommandHeader{}, err
	}
	h, err := dnetwire.Decode(buf, maxPayload)
	if err != nil {
		return h, statusErr(StatusMalformed, err)
	}
	return h, nil
}
