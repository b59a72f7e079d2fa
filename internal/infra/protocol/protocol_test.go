package protocol

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/deeptm/internal/domain/events"
	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

var sample = []events.Event{
	events.Status{Message: "Extracting relationships from diagram and description..."},
	events.Relationships{Data: []threatmodel.Relationship{{Source: "A", Target: "B", Direction: threatmodel.DirectionForward}}},
	events.AnalyzingRelationship{Index: 0, Relationship: threatmodel.Relationship{Source: "A", Target: "B", Direction: threatmodel.DirectionForward}},
	events.ThreatIdentified{Threat: threatmodel.Threat{ID: "ab12cd34", Category: threatmodel.Spoofing, Name: "Forged token"}},
	events.RelationshipError{Index: 1, Error: "rate limited"},
	events.MitigationStarted{ThreatID: "ab12cd34", Message: "Researching mitigation for: Forged token"},
	events.MitigationComplete{ThreatID: "ab12cd34", Mitigation: threatmodel.Mitigation{Content: "Sign tokens"}},
	events.ProcessComplete{Message: "done", TotalThreats: 1},
}

func TestJSONLineFrame(t *testing.T) {
	frames, err := JSONLine{}.Encode(events.ProcessComplete{Message: "done", TotalThreats: 3})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "data: {\"type\":\"process_complete\",\"message\":\"done\",\"total_threats\":3}\n\n", string(frames[0]))
	assert.Nil(t, JSONLine{}.Finish(false))
}

func TestDataStreamContentFrameWrapsEventJSON(t *testing.T) {
	frames, err := DataStream{}.Encode(events.Error{Message: "Failed to extract relationships"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	line := string(frames[0])
	require.True(t, strings.HasPrefix(line, "0:"))
	require.True(t, strings.HasSuffix(line, "\n"))

	var text string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(line[2:], "\n")), &text))
	assert.JSONEq(t, `{"type":"error","message":"Failed to extract relationships"}`, text)
}

func TestDataStreamFinishFrames(t *testing.T) {
	frames, err := DataStream{}.Encode(events.ProcessComplete{Message: "done"})
	require.NoError(t, err)
	assert.Equal(t, "e:{\"finishReason\":\"stop\",\"usage\":{\"promptTokens\":0,\"completionTokens\":0},\"isContinued\":false}\n", string(frames[0]))

	assert.Nil(t, DataStream{}.Finish(true))
	assert.Equal(t, "e:{\"finishReason\":\"error\",\"usage\":{\"promptTokens\":0,\"completionTokens\":0},\"isContinued\":false}\n", string(DataStream{}.Finish(false)))
}

func TestAdaptersPreserveCountAndOrder(t *testing.T) {
	var sse, data [][]byte
	for _, ev := range sample {
		f, err := JSONLine{}.Encode(ev)
		require.NoError(t, err)
		sse = append(sse, f...)
		f, err = DataStream{}.Encode(ev)
		require.NoError(t, err)
		data = append(data, f...)
	}
	require.Len(t, data, len(sse))

	var finishes int
	for i := range sse {
		if bytes.HasPrefix(data[i], []byte("e:")) {
			finishes++
			assert.Equal(t, len(sse)-1, i)
			continue
		}
		var text string
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(data[i][2:]), &text))
		payload := bytes.TrimSuffix(bytes.TrimPrefix(sse[i], []byte("data: ")), []byte("\n\n"))
		assert.JSONEq(t, string(payload), text)
	}
	assert.Equal(t, 1, finishes)
}

func TestForRequest(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		header   string
		fallback string
		want     string
	}{
		{name: "default", target: "/api/stream/stride", want: NameJSONLine},
		{name: "fallback", target: "/api/stream/stride", fallback: NameDataStream, want: NameDataStream},
		{name: "header", target: "/api/stream/stride", header: "v1", want: NameDataStream},
		{name: "query wins", target: "/api/stream/stride?protocol=sse", header: "v1", want: NameJSONLine},
		{name: "query data", target: "/api/stream/stride?protocol=data", want: NameDataStream},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", test.target, nil)
			if test.header != "" {
				r.Header.Set(DataStreamHeader, test.header)
			}
			assert.Equal(t, test.want, ForRequest(r, test.fallback).Name())
		})
	}
}

func TestHeaders(t *testing.T) {
	h := DataStream{}.Headers()
	assert.Equal(t, "v1", h.Get(DataStreamHeader))
	assert.Equal(t, "no", h.Get("X-Accel-Buffering"))
	assert.Empty(t, JSONLine{}.Headers().Get(DataStreamHeader))
	assert.Equal(t, "no-cache", JSONLine{}.Headers().Get("Cache-Control"))
}
