// Package events defines the progress notifications a pipeline run emits.
//
// Every event is a small struct whose JSON fields are the wire payload; the
// discriminant is returned by Kind and is added by Marshal as the "type"
// field, so adapters never have to probe payloads to tell events apart.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

// Kind enum
type Kind string

const (
	KindDebug                 Kind = "debug"
	KindStatus                Kind = "status"
	KindError                 Kind = "error"
	KindRelationships         Kind = "relationships"
	KindAnalyzingRelationship Kind = "analyzing_relationship"
	KindThreatIdentified      Kind = "threat_identified"
	KindRelationshipError     Kind = "relationship_error"
	KindMitigationStarted     Kind = "mitigation_started"
	KindMitigationComplete    Kind = "mitigation_complete"
	KindMitigationError       Kind = "mitigation_error"
	KindProcessComplete       Kind = "process_complete"
)

// Event is the tagged union of everything a run can emit.
type Event interface {
	Kind() Kind
}

type Debug struct {
	Message string `json:"message"`
}

type Status struct {
	Message string `json:"message"`
}

// Error ends a run: it is only emitted when the pipeline aborts.
type Error struct {
	Message string `json:"message"`
}

type Relationships struct {
	Data []threatmodel.Relationship `json:"data"`
}

type AnalyzingRelationship struct {
	Index        int                      `json:"index"`
	Relationship threatmodel.Relationship `json:"relationship"`
}

type ThreatIdentified struct {
	Threat threatmodel.Threat `json:"threat"`
}

type RelationshipError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type MitigationStarted struct {
	ThreatID threatmodel.ThreatID `json:"threat_id"`
	Message  string               `json:"message"`
}

type MitigationComplete struct {
	ThreatID   threatmodel.ThreatID   `json:"threat_id"`
	Mitigation threatmodel.Mitigation `json:"mitigation"`
}

type MitigationError struct {
	ThreatID threatmodel.ThreatID `json:"threat_id"`
	Error    string               `json:"error"`
}

type ProcessComplete struct {
	Message      string `json:"message"`
	TotalThreats int    `json:"total_threats"`
}

func (Debug) Kind() Kind                 { return KindDebug }
func (Status) Kind() Kind                { return KindStatus }
func (Error) Kind() Kind                 { return KindError }
func (Relationships) Kind() Kind         { return KindRelationships }
func (AnalyzingRelationship) Kind() Kind { return KindAnalyzingRelationship }
func (ThreatIdentified) Kind() Kind      { return KindThreatIdentified }
func (RelationshipError) Kind() Kind     { return KindRelationshipError }
func (MitigationStarted) Kind() Kind     { return KindMitigationStarted }
func (MitigationComplete) Kind() Kind    { return KindMitigationComplete }
func (MitigationError) Kind() Kind       { return KindMitigationError }
func (ProcessComplete) Kind() Kind       { return KindProcessComplete }

// MarshalJSON keeps an empty list as [] on the wire.
func (e Relationships) MarshalJSON() ([]byte, error) {
	type plain Relationships
	if e.Data == nil {
		e.Data = []threatmodel.Relationship{}
	}
	return json.Marshal(plain(e))
}

// MarshalJSON keeps an empty source list as [] on the wire.
func (e MitigationComplete) MarshalJSON() ([]byte, error) {
	type plain MitigationComplete
	if e.Mitigation.Sources == nil {
		e.Mitigation.Sources = []string{}
	}
	return json.Marshal(plain(e))
}

// Marshal encodes ev as {"type": kind, ...payload}.
func Marshal(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("events: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s: %w", ev.Kind(), err)
	}
	kind, err := json.Marshal(ev.Kind())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(payload) + len(kind) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(kind)
	if body := bytes.TrimSpace(payload[1 : len(payload)-1]); len(body) > 0 {
		buf.WriteByte(',')
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// IsTerminal reports whether ev closes a successful run.
func IsTerminal(ev Event) bool {
	return ev != nil && ev.Kind() == KindProcessComplete
}
