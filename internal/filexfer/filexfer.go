// Package filexfer moves one named, sized blob over the command stream.
//
// Every file is a JSON header {name, size} followed by the raw bytes. The
// receiving side answers each header with the literal "Clear to send"
// before the sender streams the body. Body length is advisory: a receiver
// stops early when the peer stops sending. A sender that cannot open its
// file announces size -1 and sends nothing else.
package filexfer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/pkg/log"
)

var (
	ErrRefused     = errors.New("peer did not clear the transfer")
	ErrUnsafeName  = errors.New("unsafe file name")
	ErrInvalidSize = errors.New("invalid file size")
	ErrUnavailable = errors.New("peer has no such file")
	ErrBatchSize   = errors.New("invalid batch size")
)

const (
	// RefusalPrefix starts the reply sent instead of a clearance.
	RefusalPrefix = "Refused: "
	// UnavailableSize is the header size of a file the sender cannot open.
	UnavailableSize = -1
	// MaxBatch bounds the file count of one ReceiveMany.
	MaxBatch = 1024
)

// Stream is the socket a transfer rides on.
type Stream interface {
	io.Reader
	io.Writer
}

// Received describes one file written by Receive.
type Received struct {
	Header  protocol.FileHeader
	Path    string
	Written int64
}

// Short reports whether the peer stopped before the advertised size.
func (r Received) Short() bool { return r.Written < r.Header.Size }

// SafeJoin places name inside dir. Names must be a single, local path
// element: no separators, no "..", nothing absolute.
func SafeJoin(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) ||
		!filepath.IsLocal(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return filepath.Join(dir, name), nil
}

// ReadHeader reads one file header. Headers are parsed from a complete
// JSON object even if it arrives over several reads. An unavailable file
// is reported as ErrUnavailable.
func ReadHeader(r io.Reader, bufSize int) (protocol.FileHeader, error) {
	var h protocol.FileHeader
	b, err := protocol.ReadJSON(r, bufSize)
	if err != nil {
		return h, fmt.Errorf("read file header: %w", err)
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return h, fmt.Errorf("parse file header %s: %w", protocol.Quote(b), err)
	}
	if h.Size == UnavailableSize {
		return h, fmt.Errorf("%w: %s", ErrUnavailable, h.FileName())
	}
	if h.Size < 0 {
		return h, fmt.Errorf("%w: %d", ErrInvalidSize, h.Size)
	}
	return h, nil
}

// Send announces the file at path under name, waits for the peer's
// clearance and streams the file. A refusal is returned as ErrRefused and
// nothing is sent. When the file cannot be opened the peer is told so
// and the open error is returned.
func Send(s Stream, bufSize int, name, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Join(err, announceUnavailable(s, name))
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, errors.Join(err, announceUnavailable(s, name))
	}

	hdr := protocol.FileHeader{Name: name, Size: st.Size()}
	if err := protocol.WriteJSON(s, hdr); err != nil {
		return 0, fmt.Errorf("send file header: %w", err)
	}

	if got, err := protocol.ExpectAck(s, bufSize, protocol.AckClearToSend); err != nil {
		if errors.Is(err, protocol.ErrUnexpectedAck) {
			log.Infof("peer can't accept %s: %q", name, got)
			return 0, fmt.Errorf("%w: %q", ErrRefused, got)
		}
		return 0, fmt.Errorf("wait for clearance: %w", err)
	}

	n, err := io.Copy(s, f)
	if err != nil {
		return n, fmt.Errorf("stream %s: %w", name, err)
	}
	log.Debugf("sent %s (%d bytes)", name, n)
	return n, nil
}

func announceUnavailable(s Stream, name string) error {
	if err := protocol.WriteJSON(s, protocol.FileHeader{Name: name, Size: UnavailableSize}); err != nil {
		return fmt.Errorf("send file header: %w", err)
	}
	return nil
}

// SendHeaderAndBody is Send for callers that already hold the header and a
// reader, such as a controller pushing a module it built.
func SendHeaderAndBody(s Stream, bufSize int, hdr protocol.FileHeader, body io.Reader) (int64, error) {
	if err := protocol.WriteJSON(s, hdr); err != nil {
		return 0, fmt.Errorf("send file header: %w", err)
	}
	if got, err := protocol.ExpectAck(s, bufSize, protocol.AckClearToSend); err != nil {
		if errors.Is(err, protocol.ErrUnexpectedAck) {
			return 0, fmt.Errorf("%w: %q", ErrRefused, got)
		}
		return 0, fmt.Errorf("wait for clearance: %w", err)
	}
	n, err := io.CopyN(s, body, hdr.Size)
	if err != nil {
		return n, fmt.Errorf("stream %s: %w", hdr.FileName(), err)
	}
	return n, nil
}

// Receive reads one header, clears it and writes the body into dir.
func Receive(s Stream, bufSize int, dir string) (Received, error) {
	hdr, err := ReadHeader(s, bufSize)
	if err != nil {
		return Received{Header: hdr}, err
	}
	log.Infof("file name = %s, size = %d", hdr.FileName(), hdr.Size)

	path, err := SafeJoin(dir, hdr.FileName())
	if err != nil {
		// Answer anyway so the sender does not stream into the command channel.
		return Received{Header: hdr}, errors.Join(err, protocol.WriteAck(s, RefusalPrefix+err.Error()))
	}

	if err := protocol.WriteAck(s, protocol.AckClearToSend); err != nil {
		return Received{Header: hdr}, fmt.Errorf("clear transfer: %w", err)
	}

	n, err := ReceiveBody(s, path, hdr.Size)
	rcv := Received{Header: hdr, Path: path, Written: n}
	if err != nil {
		return rcv, err
	}
	if rcv.Short() {
		log.Warnf("%s is short: %d of %d bytes", hdr.FileName(), n, hdr.Size)
	}
	return rcv, nil
}

// ReceiveBody writes up to size bytes from s into path. Each read asks for
// at most the remaining count; the loop ends when nothing remains or a read
// yields no bytes because the peer closed. The file may then be short.
func ReceiveBody(s Stream, path string, size int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	const maxChunk = 64 << 10
	buf := make([]byte, min(size, maxChunk))
	var written int64
	remaining := size
	for remaining > 0 {
		n, rerr := s.Read(buf[:min(remaining, int64(len(buf)))])
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, errors.Join(werr, f.Close())
			}
			written += int64(n)
			remaining -= int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return written, errors.Join(rerr, f.Close())
		}
		if n == 0 {
			break
		}
	}
	return written, f.Close()
}

// ReceiveMany clears a batch of count files with a single ack and then
// receives them one after another. each runs after every file is written,
// before the next header is read. The first failure ends the batch. A
// count outside 0..MaxBatch is answered with a refusal.
func ReceiveMany(s Stream, bufSize int, dir string, count int, each func(Received)) ([]Received, error) {
	if count < 0 || count > MaxBatch {
		err := fmt.Errorf("%w: count %d", ErrBatchSize, count)
		return nil, errors.Join(err, protocol.WriteAck(s, RefusalPrefix+err.Error()))
	}
	if err := protocol.WriteAck(s, protocol.AckClearToSend); err != nil {
		return nil, fmt.Errorf("clear batch: %w", err)
	}

	var out []Received
	for i := 0; i < count; i++ {
		rcv, err := Receive(s, bufSize, dir)
		if err != nil {
			return out, fmt.Errorf("file %d of %d: %w", i+1, count, err)
		}
		out = append(out, rcv)
		if each != nil {
			each(rcv)
		}
	}
	return out, nil
}
