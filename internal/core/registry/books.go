package registry

import (
	"context"
	"sort"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/events"
	"loanshelf/internal/logging"
)

// AddBook registers book, replacing any existing record for its identifier.
// The initial state is derived from the book's availability.
func (r *Registry) AddBook(book models.Book, state models.BookState, selection models.SelectionState, opts ...models.RecordOption) {
	r.do(func() {
		r.addRecord(models.NewRecord(book, state, selection, opts...))
		r.save()
	})
}

func (r *Registry) addRecord(rec *models.BookRecord) {
	r.logger.Info("adding book",
		logging.String(logging.FieldBookID, rec.Book.Identifier),
		logging.String(logging.FieldTitle, rec.Book.Title),
		logging.String(logging.FieldState, rec.State.String()),
		logging.String("selection_state", rec.SelectionState.String()))
	r.records[rec.Book.Identifier] = rec
}

// RemoveBook drops the record. A favorite is kept and demoted to
// Unregistered instead.
func (r *Registry) RemoveBook(id string) {
	r.do(func() {
		r.removeBook(id)
		r.save()
	})
}

func (r *Registry) removeBook(id string) {
	rec, ok := r.records[id]
	if !ok {
		return
	}
	if rec.SelectionState == models.SelectionSelected {
		rec.State = models.StateUnregistered
		return
	}
	delete(r.records, id)
}

// UpdateBook refreshes an existing record from a newer copy of the book.
// Download state, location, fulfillment id and bookmarks are kept. A book
// that went from reserved to ready triggers a patron notification.
func (r *Registry) UpdateBook(book models.Book, selection models.SelectionState) {
	r.do(func() {
		if r.updateBook(book, selection) {
			r.save()
		}
	})
}

func (r *Registry) updateBook(book models.Book, selection models.SelectionState) bool {
	rec, ok := r.records[book.Identifier]
	if !ok {
		return false
	}
	if models.IsReserved(rec.Book.Availability()) && models.IsReady(book.Availability()) && r.notifier != nil {
		ready := book
		r.later(func() {
			if err := r.notifier.BookIsAvailable(context.Background(), ready); err != nil {
				r.logger.Warn("book available notification failed",
					logging.String(logging.FieldBookID, ready.Identifier),
					logging.Error(err))
			}
		})
	}
	r.records[book.Identifier] = models.NewRecord(book, rec.State, selection,
		models.WithLocation(rec.Location),
		models.WithFulfillmentID(rec.FulfillmentID),
		models.WithReadiumBookmarks(rec.ReadiumBookmarks),
		models.WithGenericBookmarks(rec.GenericBookmarks),
	)
	return true
}

// UpdatedBookMetadata merges refreshed descriptive metadata into the stored
// book and returns the result.
func (r *Registry) UpdatedBookMetadata(book models.Book) (models.Book, bool) {
	var (
		out models.Book
		ok  bool
	)
	r.do(func() {
		rec, found := r.records[book.Identifier]
		if !found {
			return
		}
		rec.Book = rec.Book.WithMetadataFrom(book)
		out, ok = rec.Book, true
		r.save()
	})
	return out, ok
}

// UpdateAndRemoveBook stores book and forces the record to Unregistered.
// Used when the server reports the loan is gone.
func (r *Registry) UpdateAndRemoveBook(book models.Book) {
	r.do(func() {
		rec, ok := r.records[book.Identifier]
		if !ok {
			return
		}
		rec.Book = book
		rec.State = models.StateUnregistered
		r.save()
	})
}

func (r *Registry) mutate(id string, fn func(*models.BookRecord)) {
	r.do(func() {
		rec, ok := r.records[id]
		if !ok {
			return
		}
		fn(rec)
		r.save()
	})
}

func (r *Registry) SetState(id string, state models.BookState) {
	r.mutate(id, func(rec *models.BookRecord) { rec.State = state })
}

func (r *Registry) SetSelectionState(id string, selection models.SelectionState) {
	r.mutate(id, func(rec *models.BookRecord) { rec.SelectionState = selection })
}

func (r *Registry) SetLocation(id string, loc *models.Location) {
	r.mutate(id, func(rec *models.BookRecord) { rec.Location = loc })
}

func (r *Registry) SetFulfillmentID(id, fulfillmentID string) {
	r.mutate(id, func(rec *models.BookRecord) { rec.FulfillmentID = fulfillmentID })
}

// SetProcessing flags a book as busy with a borrow or return call. The flag
// is not persisted.
func (r *Registry) SetProcessing(id string, processing bool) {
	r.do(func() {
		if processing {
			r.processing[id] = true
		} else {
			delete(r.processing, id)
		}
		r.publish(events.Event{Type: events.BookProcessingChanged, BookID: id, Processing: processing})
	})
}

func (r *Registry) Processing(id string) bool {
	return query(r, func() bool { return r.processing[id] })
}

// Book returns the stored book for id.
func (r *Registry) Book(id string) (models.Book, bool) {
	var (
		book models.Book
		ok   bool
	)
	r.do(func() {
		if rec, found := r.records[id]; found {
			book, ok = rec.Book, true
		}
	})
	return book, ok
}

// Record returns a copy of the record for id, or nil.
func (r *Registry) Record(id string) *models.BookRecord {
	return query(r, func() *models.BookRecord { return r.records[id].Clone() })
}

// BookState returns the state for id, Unregistered when unknown.
func (r *Registry) BookState(id string) models.BookState {
	return query(r, func() models.BookState {
		if rec, ok := r.records[id]; ok {
			return rec.State
		}
		return models.StateUnregistered
	})
}

// SelectionState returns the selection for id, SelectionUnregistered when
// unknown.
func (r *Registry) SelectionState(id string) models.SelectionState {
	return query(r, func() models.SelectionState {
		if rec, ok := r.records[id]; ok {
			return rec.SelectionState
		}
		return models.SelectionUnregistered
	})
}

func (r *Registry) FulfillmentID(id string) string {
	return query(r, func() string {
		if rec, ok := r.records[id]; ok {
			return rec.FulfillmentID
		}
		return ""
	})
}

func (r *Registry) Location(id string) *models.Location {
	return query(r, func() *models.Location {
		rec, ok := r.records[id]
		if !ok || rec.Location == nil {
			return nil
		}
		loc := *rec.Location
		return &loc
	})
}

func (r *Registry) books(keep func(*models.BookRecord) bool) []models.Book {
	return query(r, func() []models.Book {
		out := make([]models.Book, 0, len(r.records))
		for _, rec := range r.records {
			if keep(rec) {
				out = append(out, rec.Book)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Title != out[j].Title {
				return out[i].Title < out[j].Title
			}
			return out[i].Identifier < out[j].Identifier
		})
		return out
	})
}

// AllBooks returns every registered book ordered by title.
func (r *Registry) AllBooks() []models.Book {
	return r.books(func(*models.BookRecord) bool { return true })
}

// Loans returns books whose state belongs to a borrowed book.
func (r *Registry) Loans() []models.Book {
	return r.books(func(rec *models.BookRecord) bool { return rec.State.IsLoan() })
}

func (r *Registry) HeldBooks() []models.Book {
	return r.books(func(rec *models.BookRecord) bool { return rec.State == models.StateHolding })
}

func (r *Registry) SelectedBooks() []models.Book {
	return r.books(func(rec *models.BookRecord) bool { return rec.SelectionState == models.SelectionSelected })
}

// IsBackgroundFetchNeeded reports whether the patron has books on hold.
func (r *Registry) IsBackgroundFetchNeeded() bool {
	needed := len(r.HeldBooks()) > 0
	r.logger.Debug("background fetch check", logging.Bool("needed", needed))
	return needed
}
