package protocol

import (
	"net/http"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
)

// JSONLine writes each event as one server-sent event: data: {json}\n\n
type JSONLine struct{}

var _ Adapter = JSONLine{}

func (JSONLine) Name() string         { return NameJSONLine }
func (JSONLine) ContentType() string  { return "text/event-stream" }
func (JSONLine) Headers() http.Header { return streamHeaders() }

func (JSONLine) Encode(ev events.Event) ([][]byte, error) {
	body, err := events.Marshal(ev)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return [][]byte{frame}, nil
}

// Finish has nothing to add: process_complete or error already ended the stream.
func (JSONLine) Finish(bool) []byte { return nil }
