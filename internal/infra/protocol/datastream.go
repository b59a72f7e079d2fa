package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
)

// DataStream speaks the AI SDK data stream framing. Every event except
// process_complete becomes a text part (0:"<event json>"); process_complete
// becomes the single finish part (e:{...}).
type DataStream struct{}

var _ Adapter = DataStream{}

type finishFrame struct {
	FinishReason string `json:"finishReason"`
	Usage        usage  `json:"usage"`
	IsContinued  bool   `json:"isContinued"`
}

type usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

const (
	finishStop  = "stop"
	finishError = "error"
)

func (DataStream) Name() string        { return NameDataStream }
func (DataStream) ContentType() string { return "text/plain; charset=utf-8" }

func (DataStream) Headers() http.Header {
	h := streamHeaders()
	h.Set(DataStreamHeader, "v1")
	return h
}

func (DataStream) Encode(ev events.Event) ([][]byte, error) {
	if events.IsTerminal(ev) {
		return [][]byte{finish(finishStop)}, nil
	}
	body, err := events.Marshal(ev)
	if err != nil {
		return nil, err
	}
	text, err := json.Marshal(string(body))
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(text)+3)
	frame = append(frame, "0:"...)
	frame = append(frame, text...)
	frame = append(frame, '\n')
	return [][]byte{frame}, nil
}

// Finish closes an aborted stream with an error finish part. A completed
// stream already carried its finish part from process_complete.
func (DataStream) Finish(completed bool) []byte {
	if completed {
		return nil
	}
	return finish(finishError)
}

func finish(reason string) []byte {
	b, _ := json.Marshal(finishFrame{FinishReason: reason})
	return append(append([]byte("e:"), b...), '\n')
}
