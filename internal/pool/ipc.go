package pool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Worker to parent message types.
const (
	MsgReady    = "ready"
	MsgLog      = "log"
	MsgEvent    = "event"
	MsgStatus   = "status"
	MsgComplete = "complete"
	MsgError    = "error"
)

// Parent to worker message types.
const (
	MsgCancel = "cancel"
)

// WorkerMessage is one worker-to-parent IPC message. The envelope is a
// tagged union discriminated by Type; fields beyond Type are populated per
// variant.
type WorkerMessage struct {
	Type        string `json:"type"`
	ExecutionID string `json:"executionId,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// event: agent-protocol payload forwarded verbatim
	Event json.RawMessage `json:"event,omitempty"`

	// status
	Status string `json:"status,omitempty"`

	// complete
	Result json.RawMessage `json:"result,omitempty"`

	// error
	Fatal bool `json:"fatal,omitempty"`
}

// ParentMessage is one parent-to-worker IPC message.
type ParentMessage struct {
	Type string `json:"type"`
}

// decodeWorkerMessage parses one line of worker output. Lines that are not
// valid JSON or carry an unknown type are rejected; the caller logs and
// drops them.
func decodeWorkerMessage(line []byte) (WorkerMessage, error) {
	var msg WorkerMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return WorkerMessage{}, fmt.Errorf("malformed IPC message: %w", err)
	}
	switch msg.Type {
	case MsgReady, MsgLog, MsgEvent, MsgStatus, MsgComplete, MsgError:
		return msg, nil
	default:
		return WorkerMessage{}, fmt.Errorf("unknown IPC message type %q", msg.Type)
	}
}

// WriteMessage encodes msg as one JSON line on w. Used on both sides of the
// channel; newline-delimited JSON keeps per-channel ordering trivially.
func WriteMessage(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode IPC message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write IPC message: %w", err)
	}
	return nil
}

// readMessages scans r line by line, dispatching each decodable message in
// the order it arrived. Undecodable lines are passed to drop. Returns when
// r reaches EOF or errors.
func readMessages(r io.Reader, handle func(WorkerMessage), drop func(line []byte, err error)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeWorkerMessage(line)
		if err != nil {
			drop(append([]byte(nil), line...), err)
			continue
		}
		handle(msg)
	}
}
