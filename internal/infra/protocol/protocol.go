// Package protocol renders pipeline events into client wire formats.
package protocol

import (
	"net/http"
	"strings"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
)

// Adapter turns events into response body frames. Implementations are
// stateless and never block.
type Adapter interface {
	// Name is the value accepted by the protocol query parameter.
	Name() string
	ContentType() string
	// Headers are extra response headers specific to the protocol.
	Headers() http.Header
	// Encode maps one event to one or more frames.
	Encode(ev events.Event) ([][]byte, error)
	// Finish returns the frame that closes the stream, if the protocol has
	// one. completed is false when the run ended without process_complete.
	Finish(completed bool) []byte
}

const (
	NameJSONLine   = "sse"
	NameDataStream = "data"

	// DataStreamHeader is sent by, and returned to, data stream clients.
	DataStreamHeader = "x-vercel-ai-data-stream"
)

// ForRequest picks the adapter for r: the protocol query parameter wins,
// then the data stream request header, then fallback.
func ForRequest(r *http.Request, fallback string) Adapter {
	name := strings.ToLower(r.URL.Query().Get("protocol"))
	if name == "" && r.Header.Get(DataStreamHeader) != "" {
		name = NameDataStream
	}
	if name == "" {
		name = fallback
	}
	return ByName(name)
}

// ByName returns the named adapter, defaulting to JSON lines.
func ByName(name string) Adapter {
	switch strings.ToLower(name) {
	case NameDataStream, "datastream", "vercel":
		return DataStream{}
	default:
		return JSONLine{}
	}
}

func streamHeaders() http.Header {
	h := http.Header{}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return h
}
