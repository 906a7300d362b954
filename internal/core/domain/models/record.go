package models

import (
	"encoding/json"
	"slices"
)

// BookRecord is the registry's entry for one book identifier.
type BookRecord struct {
	Book             Book
	Location         *Location
	State            BookState
	SelectionState   SelectionState
	FulfillmentID    string
	ReadiumBookmarks []ReadiumBookmark
	GenericBookmarks []Location
}

// RecordOption sets an optional field of a new record.
type RecordOption func(*BookRecord)

func WithLocation(loc *Location) RecordOption {
	return func(r *BookRecord) { r.Location = loc }
}

func WithFulfillmentID(id string) RecordOption {
	return func(r *BookRecord) { r.FulfillmentID = id }
}

func WithReadiumBookmarks(b []ReadiumBookmark) RecordOption {
	return func(r *BookRecord) { r.ReadiumBookmarks = b }
}

func WithGenericBookmarks(b []Location) RecordOption {
	return func(r *BookRecord) { r.GenericBookmarks = b }
}

// NewRecord builds a record and derives its initial state from the book's
// availability. A reserved or ready book is Holding; a book without a usable
// acquisition is Unsupported. Unless the book is actually on hold or is a
// favorite, a Holding or Unsupported result is turned into DownloadNeeded.
func NewRecord(book Book, state BookState, selection SelectionState, opts ...RecordOption) *BookRecord {
	r := &BookRecord{
		Book:           book,
		State:          state,
		SelectionState: selection,
	}
	for _, opt := range opts {
		opt(r)
	}

	actuallyOnHold := false
	if acq := book.DefaultAcquisition(); acq != nil {
		switch acq.Availability.(type) {
		case Reserved, Ready:
			r.State = StateHolding
			actuallyOnHold = true
		case Unavailable, Limited, Unlimited, nil:
		}
	} else {
		r.State = StateUnsupported
	}

	if !actuallyOnHold && selection != SelectionSelected {
		if r.State == StateHolding || r.State == StateUnsupported {
			r.State = StateDownloadNeeded
		}
	}
	return r
}

// Clone returns a copy that shares no slices with r.
func (r *BookRecord) Clone() *BookRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Location != nil {
		loc := *r.Location
		out.Location = &loc
	}
	out.ReadiumBookmarks = slices.Clone(r.ReadiumBookmarks)
	out.GenericBookmarks = slices.Clone(r.GenericBookmarks)
	out.Book.Acquisitions = slices.Clone(r.Book.Acquisitions)
	out.Book.Authors = slices.Clone(r.Book.Authors)
	return &out
}

type recordJSON struct {
	Metadata         Book              `json:"metadata"`
	State            BookState         `json:"state"`
	SelectionState   SelectionState    `json:"selectionState"`
	FulfillmentID    *string           `json:"fulfillmentId,omitempty"`
	Location         *Location         `json:"location,omitempty"`
	Bookmarks        []ReadiumBookmark `json:"bookmarks,omitempty"`
	GenericBookmarks []Location        `json:"genericBookmarks,omitempty"`
}

func (r BookRecord) MarshalJSON() ([]byte, error) {
	v := recordJSON{
		Metadata:         r.Book,
		State:            r.State,
		SelectionState:   r.SelectionState,
		Location:         r.Location,
		Bookmarks:        r.ReadiumBookmarks,
		GenericBookmarks: r.GenericBookmarks,
	}
	if r.FulfillmentID != "" {
		id := r.FulfillmentID
		v.FulfillmentID = &id
	}
	return json.Marshal(v)
}

// UnmarshalJSON restores a persisted record as-is; the constructor
// derivation is not applied. Unknown state tokens are an error.
func (r *BookRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range []string{"metadata", "state", "selectionState"} {
		if _, ok := raw[key]; !ok {
			return &missingKeyError{key: key}
		}
	}
	var v recordJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = BookRecord{
		Book:             v.Metadata,
		State:            v.State,
		SelectionState:   v.SelectionState,
		Location:         v.Location,
		ReadiumBookmarks: v.Bookmarks,
		GenericBookmarks: v.GenericBookmarks,
	}
	if v.FulfillmentID != nil {
		r.FulfillmentID = *v.FulfillmentID
	}
	return nil
}

type missingKeyError struct{ key string }

func (e *missingKeyError) Error() string { return "registry record missing " + e.key }
