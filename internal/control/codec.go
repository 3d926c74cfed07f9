package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ErrMalformed is returned by ReadMessage when a line does not match
// "TAG JSON ID".
var ErrMalformed = fmt.Errorf("control: malformed message")

// ReadLine reads a single CRLF- or LF-terminated line from r, with the
// terminator stripped.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseMessage parses a single line of the form "TAG JSON ID" into a
// Message. The JSON payload may itself contain spaces, so only the
// first and last whitespace-delimited tokens are treated as
// structural; everything between them is the payload.
func ParseMessage(line string) (Message, error) {
	first := strings.IndexByte(line, ' ')
	last := strings.LastIndexByte(line, ' ')
	if first < 0 || last <= first {
		return Message{}, ErrMalformed
	}

	tag := Tag(line[:first])
	payload := line[first+1 : last]
	id := line[last+1:]
	if tag == "" || id == "" || payload == "" {
		return Message{}, ErrMalformed
	}

	return Message{Tag: tag, Payload: json.RawMessage(payload), ID: id}, nil
}

// ReadMessage reads and parses the next control-protocol line from r.
func ReadMessage(r *bufio.Reader) (Message, error) {
	line, err := ReadLine(r)
	if err != nil {
		return Message{}, err
	}
	return ParseMessage(line)
}

// WriteMessage marshals payload to JSON and writes a single
// CRLF-terminated "TAG JSON ID" line to w.
func WriteMessage(w io.Writer, tag Tag, payload any, id string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("control: marshal %s payload: %w", tag, err)
	}
	_, err = fmt.Fprintf(w, "%s %s %s\r\n", tag, body, id)
	return err
}

// Unmarshal decodes a message's payload into v.
func Unmarshal(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("control: unmarshal %s payload: %w", msg.Tag, err)
	}
	return nil
}
