package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"habit-sync/internal/database"
)

// EventDocument is the remote form of a progress event
type EventDocument struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	HabitID       string `json:"habitId"`
	DateKey       string `json:"dateKey"`
	EventType     string `json:"eventType"`
	ProgressDelta int64  `json:"progressDelta"`
	CreatedAt     string `json:"createdAt"`
	DeviceID      string `json:"deviceId"`
	OperationID   string `json:"operationId"`
}

// HabitDocument is the remote form of a habit
type HabitDocument struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Name      string  `json:"name"`
	Schedule  uint8   `json:"schedule"`
	Goal      int64   `json:"goal"`
	StartDate string  `json:"startDate"`
	Deleted   bool    `json:"deleted"`
	DeletedAt *string `json:"deletedAt"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

func serializationError(op, path string, err error) error {
	return &Error{Kind: ErrSerialization, Op: op, Path: path, Err: err}
}

// EncodeEvent renders an event as a validated JSON document
func EncodeEvent(e *database.ProgressEvent) ([]byte, error) {
	path := EventPath(e.UserID, e.DateKey, e.ID)
	data, err := json.Marshal(EventDocument{
		ID:            e.ID,
		UserID:        e.UserID,
		HabitID:       e.HabitID,
		DateKey:       e.DateKey,
		EventType:     string(e.EventType),
		ProgressDelta: e.ProgressDelta,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		DeviceID:      e.DeviceID,
		OperationID:   e.OperationID,
	})
	if err != nil {
		return nil, serializationError("encode event", path, err)
	}
	if err := validate(eventSchema, data); err != nil {
		return nil, serializationError("encode event", path, err)
	}
	return data, nil
}

// DecodeEvent parses and validates an event document. The result is marked
// as a synced event from a remote source.
func DecodeEvent(doc Document) (*database.ProgressEvent, error) {
	if err := validate(eventSchema, doc.Data); err != nil {
		return nil, serializationError("decode event", doc.Path, err)
	}

	var d EventDocument
	if err := json.Unmarshal(doc.Data, &d); err != nil {
		return nil, serializationError("decode event", doc.Path, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, d.CreatedAt)
	if err != nil {
		return nil, serializationError("decode event", doc.Path, err)
	}

	return &database.ProgressEvent{
		ID:            d.ID,
		UserID:        d.UserID,
		HabitID:       d.HabitID,
		DateKey:       d.DateKey,
		EventType:     database.EventType(d.EventType),
		ProgressDelta: d.ProgressDelta,
		CreatedAt:     createdAt,
		DeviceID:      d.DeviceID,
		OperationID:   d.OperationID,
		Source:        database.SourceRemote,
		Synced:        true,
	}, nil
}

// OperationIDOf extracts the operation id of a stored event document
func OperationIDOf(doc *Document) (string, error) {
	var d struct {
		OperationID string `json:"operationId"`
	}
	if err := json.Unmarshal(doc.Data, &d); err != nil {
		return "", serializationError("read operation id", doc.Path, err)
	}
	return d.OperationID, nil
}

// EncodeHabit renders a habit as a validated JSON document
func EncodeHabit(h *database.Habit) ([]byte, error) {
	path := HabitPath(h.UserID, h.ID)
	d := HabitDocument{
		ID:        h.ID,
		UserID:    h.UserID,
		Name:      h.Name,
		Schedule:  uint8(h.Schedule),
		Goal:      h.Goal,
		StartDate: h.StartDate,
		Deleted:   h.Deleted,
		CreatedAt: h.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: h.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if h.DeletedAt != nil {
		s := h.DeletedAt.UTC().Format(time.RFC3339Nano)
		d.DeletedAt = &s
	}

	data, err := json.Marshal(d)
	if err != nil {
		return nil, serializationError("encode habit", path, err)
	}
	if err := validate(habitSchema, data); err != nil {
		return nil, serializationError("encode habit", path, err)
	}
	return data, nil
}

// DecodeHabit parses and validates a habit document
func DecodeHabit(doc Document) (*database.Habit, error) {
	if err := validate(habitSchema, doc.Data); err != nil {
		return nil, serializationError("decode habit", doc.Path, err)
	}

	var d HabitDocument
	if err := json.Unmarshal(doc.Data, &d); err != nil {
		return nil, serializationError("decode habit", doc.Path, err)
	}

	h := &database.Habit{
		ID:        d.ID,
		UserID:    d.UserID,
		Name:      d.Name,
		Schedule:  database.Schedule(d.Schedule),
		Goal:      d.Goal,
		StartDate: d.StartDate,
		Deleted:   d.Deleted,
		Synced:    true,
	}

	parse := func(s string) (time.Time, error) {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, serializationError("decode habit", doc.Path, fmt.Errorf("bad timestamp %q: %w", s, err))
		}
		return t, nil
	}

	var err error
	if h.CreatedAt, err = parse(d.CreatedAt); err != nil {
		return nil, err
	}
	if h.UpdatedAt, err = parse(d.UpdatedAt); err != nil {
		return nil, err
	}
	if d.DeletedAt != nil {
		t, err := parse(*d.DeletedAt)
		if err != nil {
			return nil, err
		}
		h.DeletedAt = &t
	}

	return h, nil
}
