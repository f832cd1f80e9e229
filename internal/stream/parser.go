package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// recordPrefix marks a data line within a record. Records are separated
// by a blank line; a record's JSON payload may span multiple data lines.
const recordPrefix = "data:"

// doneSentinel is the terminal record some backends emit independent of
// transport close.
const doneSentinel = "[DONE]"

// Parser turns an incrementally-delivered turn response into a lazy,
// finite, non-restartable sequence of events. The sequence ends when the
// transport closes or a Finish or fatal Error record is seen, whichever
// comes first.
type Parser struct {
	r    *bufio.Reader
	done bool
}

// NewParser creates a parser over an open response body.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next returns the next event, or io.EOF when the sequence has ended.
// Cancellation of the underlying transport ends the sequence without an
// error. Malformed records are dropped and logged, never fatal.
func (p *Parser) Next() (Event, error) {
	if p.done {
		return nil, io.EOF
	}

	for {
		record, err := p.readRecord()
		if err != nil {
			p.done = true
			if isStreamClosed(err) {
				return nil, io.EOF
			}
			return nil, err
		}
		if record == "" {
			continue
		}
		if record == doneSentinel {
			p.done = true
			return nil, io.EOF
		}

		event, ok := p.decode(record)
		if !ok {
			continue
		}

		switch event.(type) {
		case FinishEvent, ErrorEvent:
			p.done = true
		}
		return event, nil
	}
}

// readRecord reads lines until a blank line completes a record. A partial
// record at the end of the transport is returned once the reader hits EOF.
func (p *Parser) readRecord() (string, error) {
	var data strings.Builder

	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			// Flush whatever was buffered before the transport closed,
			// including a complete data line whose separator never came.
			if errors.Is(err, io.EOF) {
				appendDataLine(&data, line)
				if data.Len() > 0 {
					return data.String(), nil
				}
			}
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() > 0 {
				return data.String(), nil
			}
			continue
		}
		appendDataLine(&data, line)
	}
}

func appendDataLine(data *strings.Builder, line string) {
	if !strings.HasPrefix(line, recordPrefix) {
		return
	}
	data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, recordPrefix)))
}

// decode maps a raw record payload to a typed event. Returns false for
// records that carry nothing (malformed or unknown type).
func (p *Parser) decode(record string) (Event, bool) {
	kind := gjson.Get(record, "type")
	if !kind.Exists() {
		logging.Warn().Str("record", truncate(record)).Msg("stream record missing type, dropped")
		return nil, false
	}

	switch kind.String() {
	case "Message":
		var payload struct {
			Message types.Message     `json:"message"`
			Tokens  *types.TokenState `json:"token_state"`
		}
		if err := json.Unmarshal([]byte(record), &payload); err != nil {
			logging.Warn().Err(err).Msg("malformed Message record dropped")
			return nil, false
		}
		return MessageEvent{Message: payload.Message, Tokens: payload.Tokens}, true

	case "Error":
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(record), &payload); err != nil {
			logging.Warn().Err(err).Msg("malformed Error record dropped")
			return nil, false
		}
		return ErrorEvent{Message: payload.Error}, true

	case "Finish":
		var payload struct {
			Reason string            `json:"reason"`
			Tokens *types.TokenState `json:"token_state"`
		}
		if err := json.Unmarshal([]byte(record), &payload); err != nil {
			logging.Warn().Err(err).Msg("malformed Finish record dropped")
			return nil, false
		}
		return FinishEvent{Reason: payload.Reason, Tokens: payload.Tokens}, true

	case "ModelChange":
		var payload struct {
			Model string `json:"model"`
			Mode  string `json:"mode"`
		}
		if err := json.Unmarshal([]byte(record), &payload); err != nil {
			logging.Warn().Err(err).Msg("malformed ModelChange record dropped")
			return nil, false
		}
		return ModelChangeEvent{Model: payload.Model, Mode: payload.Mode}, true

	case "UpdateConversation":
		var payload struct {
			Conversation []types.Message `json:"conversation"`
		}
		if err := json.Unmarshal([]byte(record), &payload); err != nil {
			logging.Warn().Err(err).Msg("malformed UpdateConversation record dropped")
			return nil, false
		}
		return UpdateConversationEvent{Conversation: payload.Conversation}, true

	case "Notification":
		var payload struct {
			RequestID string          `json:"request_id"`
			Message   json.RawMessage `json:"message"`
		}
		if err := json.Unmarshal([]byte(record), &payload); err != nil {
			logging.Warn().Err(err).Msg("malformed Notification record dropped")
			return nil, false
		}
		return NotificationEvent{RequestID: payload.RequestID, Payload: payload.Message}, true

	case "Ping":
		return PingEvent{}, true

	default:
		logging.Warn().Str("type", kind.String()).Msg("unknown stream record type dropped")
		return nil, false
	}
}

// isStreamClosed reports whether a read error means the transport ended,
// either normally or via cancellation. Cancellation is not a failure.
func isStreamClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, http.ErrBodyReadAfterClose) {
		return true
	}
	return false
}

func truncate(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
