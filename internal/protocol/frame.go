package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrFrameTooLarge = errors.New("json frame exceeds buffer size")
	ErrUnexpectedAck = errors.New("unexpected ack")
)

// ReadOnce performs the single bounded read that carries one envelope or
// ack. There is no framing on the wire: whatever one read returns is the
// message.
func ReadOnce(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return nil, err
}

// ReadJSON keeps reading until the bytes received form one complete JSON
// value, so a header split across reads is still parsed. It never reads
// more than max bytes in total and never asks for more than is missing
// from a value that is already complete.
func ReadJSON(r io.Reader, max int) ([]byte, error) {
	buf := make([]byte, 0, max)
	chunk := make([]byte, max)
	for {
		n, err := r.Read(chunk[:max-len(buf)])
		buf = append(buf, chunk[:n]...)
		if n > 0 && json.Valid(buf) {
			return buf, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, fmt.Errorf("incomplete json frame %s: %w", Quote(buf), io.ErrUnexpectedEOF)
			}
			return buf, err
		}
		if len(buf) >= max {
			return buf, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, max)
		}
	}
}

// WriteAck sends a literal ack token.
func WriteAck(w io.Writer, ack string) error {
	_, err := io.WriteString(w, ack)
	return err
}

// ExpectAck reads one message and compares it with want. A mismatch
// returns the received text wrapped in ErrUnexpectedAck.
func ExpectAck(r io.Reader, size int, want string) (string, error) {
	b, err := ReadOnce(r, size)
	if err != nil {
		return "", err
	}
	got := string(b)
	if got != want {
		return got, fmt.Errorf("%w: want %q, got %q", ErrUnexpectedAck, want, got)
	}
	return got, nil
}

// WriteJSON encodes v with MarshalIndent and writes it in one call.
func WriteJSON(w io.Writer, v any) error {
	b, err := MarshalIndent(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ChallengeRequest renders the status interface challenge payload.
func ChallengeRequest(id, iv, msg string) string {
	return fmt.Sprintf(challengeRequestTmpl, id, iv, msg)
}

// TrimStatusPayload applies the status interface conventions: the
// failure sentinel means an empty object and everything from the first
// ';' on is padding.
func TrimStatusPayload(payload string) string {
	payload = strings.TrimRight(payload, "\x00")
	if payload == StatusReportFailed {
		payload = StatusEmptyReport
	}
	if i := strings.Index(payload, StatusTerminator); i >= 0 {
		payload = payload[:i]
	}
	return payload
}
