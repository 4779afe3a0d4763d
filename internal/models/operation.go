package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Operation kinds persisted in the queue.
const (
	KindCheckIn      = "checkin"
	KindRsvp         = "rsvp"
	KindGroupRequest = "group_request"
	KindPathwayStep  = "pathway_step"
	KindHTTP         = "http"
)

// RSVP responses.
const (
	RsvpYes   = "yes"
	RsvpNo    = "no"
	RsvpMaybe = "maybe"
)

// Operation is a typed mutation that can be queued for replay.
// The set of implementations is closed to this package.
type Operation interface {
	Kind() string
	Method() string
	Endpoint() string
	Payload() any
	Header() map[string]string
	Validate() error

	isOperation()
}

// CheckIn records a person's attendance at an event.
type CheckIn struct {
	PersonID    int64     `json:"person_id"`
	EventID     int64     `json:"event_id"`
	Location    string    `json:"location,omitempty"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

func (CheckIn) Kind() string { return KindCheckIn }
func (CheckIn) Method() string { return http.MethodPost }
func (CheckIn) Endpoint() string { return "/checkins" }
func (c CheckIn) Payload() any { return c }
func (CheckIn) Header() map[string]string { return nil }
func (CheckIn) isOperation() {}

func (c CheckIn) Validate() error {
	if c.PersonID <= 0 || c.EventID <= 0 {
		return errors.New("checkin: person_id and event_id are required")
	}
	return nil
}

// RsvpChange updates a person's answer to an event invitation.
type RsvpChange struct {
	EventID  int64  `json:"event_id"`
	PersonID int64  `json:"person_id"`
	Response string `json:"response"`
}

func (RsvpChange) Kind() string { return KindRsvp }
func (RsvpChange) Method() string { return http.MethodPut }
func (r RsvpChange) Endpoint() string { return fmt.Sprintf("/events/%d/rsvp", r.EventID) }
func (r RsvpChange) Payload() any { return r }
func (RsvpChange) Header() map[string]string { return nil }
func (RsvpChange) isOperation() {}

func (r RsvpChange) Validate() error {
	if r.EventID <= 0 || r.PersonID <= 0 {
		return errors.New("rsvp: event_id and person_id are required")
	}
	switch r.Response {
	case RsvpYes, RsvpNo, RsvpMaybe:
		return nil
	default:
		return fmt.Errorf("rsvp: unknown response %q", r.Response)
	}
}

// GroupRequest asks to join a life group.
type GroupRequest struct {
	GroupID  int64  `json:"group_id"`
	PersonID int64  `json:"person_id"`
	Message  string `json:"message,omitempty"`
}

func (GroupRequest) Kind() string { return KindGroupRequest }
func (GroupRequest) Method() string { return http.MethodPost }
func (g GroupRequest) Endpoint() string { return fmt.Sprintf("/life-groups/%d/requests", g.GroupID) }
func (g GroupRequest) Payload() any { return g }
func (GroupRequest) Header() map[string]string { return nil }
func (GroupRequest) isOperation() {}

func (g GroupRequest) Validate() error {
	if g.GroupID <= 0 || g.PersonID <= 0 {
		return errors.New("group request: group_id and person_id are required")
	}
	return nil
}

// PathwayStep marks progress on a discipleship pathway step.
type PathwayStep struct {
	PathwayID int64 `json:"pathway_id"`
	StepID    int64 `json:"step_id"`
	PersonID  int64 `json:"person_id"`
	Completed bool  `json:"completed"`
}

func (PathwayStep) Kind() string { return KindPathwayStep }
func (PathwayStep) Method() string { return http.MethodPatch }
func (p PathwayStep) Endpoint() string {
	return fmt.Sprintf("/pathways/%d/steps/%d", p.PathwayID, p.StepID)
}
func (p PathwayStep) Payload() any { return p }
func (PathwayStep) Header() map[string]string { return nil }
func (PathwayStep) isOperation() {}

func (p PathwayStep) Validate() error {
	if p.PathwayID <= 0 || p.StepID <= 0 || p.PersonID <= 0 {
		return errors.New("pathway step: pathway_id, step_id and person_id are required")
	}
	return nil
}

// GenericHTTP is an arbitrary request for endpoints without a typed variant.
type GenericHTTP struct {
	HTTPMethod string            `json:"method"`
	Path       string            `json:"endpoint"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func (GenericHTTP) Kind() string { return KindHTTP }
func (g GenericHTTP) Method() string { return strings.ToUpper(g.HTTPMethod) }
func (g GenericHTTP) Endpoint() string { return g.Path }
func (g GenericHTTP) Header() map[string]string { return g.Headers }
func (GenericHTTP) isOperation() {}

func (g GenericHTTP) Payload() any {
	if len(g.Body) == 0 {
		return nil
	}
	return g.Body
}

func (g GenericHTTP) Validate() error {
	if !ValidMethod(g.Method()) {
		return fmt.Errorf("http: unsupported method %q", g.HTTPMethod)
	}
	if g.Path == "" {
		return errors.New("http: endpoint is required")
	}
	if len(g.Body) > 0 && !json.Valid(g.Body) {
		return errors.New("http: body is not valid JSON")
	}
	return nil
}

// EncodeOperation flattens op into the persisted row shape.
// Identity, priority and scheduling fields are left to the caller.
func EncodeOperation(op Operation) (*QueuedOperation, error) {
	if op == nil {
		return nil, errors.New("operation is nil")
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	row := &QueuedOperation{
		Kind:     op.Kind(),
		Method:   op.Method(),
		Endpoint: op.Endpoint(),
		Status:   StatusPending,
	}

	if payload := op.Payload(); payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		body := string(raw)
		row.Body = &body
	}

	if headers := op.Header(); len(headers) > 0 {
		raw, err := json.Marshal(headers)
		if err != nil {
			return nil, fmt.Errorf("encode headers: %w", err)
		}
		h := string(raw)
		row.Headers = &h
	}

	return row, nil
}

// DecodeOperation restores the typed variant of a persisted row.
func DecodeOperation(row *QueuedOperation) (Operation, error) {
	var body []byte
	if row.Body != nil {
		body = []byte(*row.Body)
	}

	switch row.Kind {
	case KindCheckIn:
		var op CheckIn
		err := decodeBody(body, &op)
		return op, err
	case KindRsvp:
		var op RsvpChange
		err := decodeBody(body, &op)
		return op, err
	case KindGroupRequest:
		var op GroupRequest
		err := decodeBody(body, &op)
		return op, err
	case KindPathwayStep:
		var op PathwayStep
		err := decodeBody(body, &op)
		return op, err
	case KindHTTP, "":
		headers, err := row.HeaderMap()
		if err != nil {
			return nil, err
		}
		return GenericHTTP{HTTPMethod: row.Method, Path: row.Endpoint, Body: body, Headers: headers}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", row.Kind)
	}
}

// HeaderMap decodes the serialized headers of the row.
func (o *QueuedOperation) HeaderMap() (map[string]string, error) {
	if o.Headers == nil || *o.Headers == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(*o.Headers), &headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return headers, nil
}

func decodeBody(body []byte, dst any) error {
	if len(body) == 0 {
		return errors.New("operation body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
