package shvrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidFrame is returned when a notification frame cannot be decoded
// into a signal message.
var ErrInvalidFrame = errors.New("invalid rpc frame")

// Message is a decoded signal notification.
type Message struct {
	Path string `json:"path"`
	// Method is the source method of the signal, "get" when omitted.
	Method string `json:"method,omitempty"`
	Signal string `json:"signal"`
	Param  Value  `json:"param,omitempty"`
}

// Frame is an undecoded notification as received from the backend.
type Frame []byte

// EncodeFrame encodes a signal message into a frame.
func EncodeFrame(m Message) (Frame, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return Frame(b), nil
}

// Message decodes the frame. Frames that are not signals are rejected.
func (f Frame) Message() (Message, error) {
	var m Message
	if err := json.Unmarshal(f, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if m.Signal == "" {
		return Message{}, fmt.Errorf("%w: not a signal", ErrInvalidFrame)
	}
	return m, nil
}

func (f Frame) String() string {
	return string(f)
}

// BrokerNodePath is the path of the broker's own node.
const BrokerNodePath = ".broker"

// BrokerNodes are the built-in nodes every provider exposes.
var BrokerNodes = []string{
	BrokerNodePath + "/currentClient",
	BrokerNodePath + "/client",
}

// ListChildren computes the result of the "ls" method on path given the full
// paths of every node in the tree. The boolean is false when path does not
// exist.
func ListChildren(nodes []string, path string) ([]string, bool) {
	path = strings.Trim(path, "/")
	seen := make(map[string]struct{})
	found := path == ""
	for _, n := range nodes {
		n = strings.Trim(n, "/")
		var rest string
		switch {
		case path == "":
			rest = n
		case n == path:
			found = true
			continue
		case strings.HasPrefix(n, path+"/"):
			found = true
			rest = strings.TrimPrefix(n, path+"/")
		default:
			continue
		}
		if rest == "" {
			continue
		}
		child, _, _ := strings.Cut(rest, "/")
		seen[child] = struct{}{}
	}
	if !found {
		return nil, false
	}
	children := make([]string, 0, len(seen))
	for c := range seen {
		children = append(children, c)
	}
	sort.Strings(children)
	return children, true
}
