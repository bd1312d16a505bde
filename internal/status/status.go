// Package status talks to the on-host status interface (layer 4.5) over
// a netlink socket. Each request opens its own socket and closes it after
// the single reply.
package status

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lattesec/modfleet/internal/protocol"
	"github.com/lattesec/modfleet/pkg/log"
	"github.com/mdlayher/netlink"
)

var (
	ErrNoReply   = errors.New("status interface sent no reply")
	ErrNotObject = errors.New("status reply is not a json object")
)

// Report is the opaque JSON object produced by the status interface.
type Report map[string]any

// Conn is the subset of *netlink.Conn the client uses.
type Conn interface {
	Send(m netlink.Message) (netlink.Message, error)
	Receive() ([]netlink.Message, error)
	Close() error
}

type Client struct {
	Dial    func() (Conn, error)
	MsgType netlink.HeaderType
}

// NewClient dials the given netlink family for every request.
func NewClient(family int, msgType uint16) *Client {
	return &Client{
		Dial: func() (Conn, error) {
			return netlink.Dial(family, nil)
		},
		MsgType: netlink.HeaderType(msgType),
	}
}

// Report asks for the current status report.
func (c *Client) Report() (Report, error) {
	payload, err := c.roundTrip(protocol.StatusReportRequest)
	if err != nil {
		return nil, err
	}
	log.Infof("Query Response %s", payload)
	return decode(payload)
}

// Challenge forwards a controller challenge and returns the answer.
func (c *Client) Challenge(id, iv, msg string) (Report, error) {
	payload, err := c.roundTrip(protocol.ChallengeRequest(id, iv, msg))
	if err != nil {
		return nil, err
	}
	log.Infof("Challenge Response %s", payload)
	return decode(payload)
}

func (c *Client) roundTrip(payload string) (string, error) {
	conn, err := c.Dial()
	if err != nil {
		return "", fmt.Errorf("dial status interface: %w", err)
	}
	defer conn.Close()

	req := netlink.Message{
		Header: netlink.Header{Type: c.MsgType},
		Data:   append([]byte(payload), 0),
	}
	if _, err := conn.Send(req); err != nil {
		return "", fmt.Errorf("send status request: %w", err)
	}

	msgs, err := conn.Receive()
	if err != nil {
		return "", fmt.Errorf("receive status reply: %w", err)
	}
	if len(msgs) == 0 {
		return "", ErrNoReply
	}
	return string(msgs[0].Data), nil
}

func decode(payload string) (Report, error) {
	trimmed := protocol.TrimStatusPayload(payload)
	var r Report
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return nil, fmt.Errorf("decode status reply %q: %w", trimmed, err)
	}
	if r == nil {
		return nil, ErrNotObject
	}
	return r, nil
}
