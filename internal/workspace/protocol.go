package workspace

import "context"

// Frame types carried over a terminal session's streaming connection.
const (
	// client -> server
	FrameCommand = "command"
	FrameResize  = "resize"
	FramePing    = "ping"

	// server -> client
	FrameReady  = "ready"
	FrameOutput = "output"
	FrameExit   = "exit"
	FrameError  = "error"
	FramePong   = "pong"
)

// Frame is one protocol message. Fields beyond Type are populated per
// message kind; absent fields are omitted on the wire.
type Frame struct {
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

func readyFrame(sessionID string) Frame { return Frame{Type: FrameReady, SessionID: sessionID} }
func outputFrame(data []byte) Frame     { return Frame{Type: FrameOutput, Data: string(data)} }
func errorFrame(msg string) Frame       { return Frame{Type: FrameError, Message: msg} }
func pongFrame() Frame                  { return Frame{Type: FramePong} }

func exitFrame(code int) Frame {
	return Frame{Type: FrameExit, ExitCode: &code}
}

// Transport delivers server frames to one connected terminal. Implemented
// over a websocket in the handlers package; tests substitute a recorder.
type Transport interface {
	Send(ctx context.Context, f Frame) error
}
