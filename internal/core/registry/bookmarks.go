package registry

import (
	"slices"

	"loanshelf/internal/core/domain/models"
)

// ReadiumBookmarks returns the book's reader bookmarks ordered by progress
// through the book.
func (r *Registry) ReadiumBookmarks(id string) []models.ReadiumBookmark {
	return query(r, func() []models.ReadiumBookmark {
		rec, ok := r.records[id]
		if !ok {
			return nil
		}
		out := slices.Clone(rec.ReadiumBookmarks)
		slices.SortStableFunc(out, func(a, b models.ReadiumBookmark) int {
			switch {
			case a.ProgressWithinBook < b.ProgressWithinBook:
				return -1
			case a.ProgressWithinBook > b.ProgressWithinBook:
				return 1
			}
			return 0
		})
		return out
	})
}

func (r *Registry) AddReadiumBookmark(id string, bookmark models.ReadiumBookmark) {
	r.mutate(id, func(rec *models.BookRecord) {
		rec.ReadiumBookmarks = append(rec.ReadiumBookmarks, bookmark)
	})
}

func (r *Registry) DeleteReadiumBookmark(id string, bookmark models.ReadiumBookmark) {
	r.mutate(id, func(rec *models.BookRecord) {
		rec.ReadiumBookmarks = slices.DeleteFunc(rec.ReadiumBookmarks, bookmark.Equal)
	})
}

func (r *Registry) ReplaceReadiumBookmark(id string, old, replacement models.ReadiumBookmark) {
	r.mutate(id, func(rec *models.BookRecord) {
		rec.ReadiumBookmarks = slices.DeleteFunc(rec.ReadiumBookmarks, old.Equal)
		rec.ReadiumBookmarks = append(rec.ReadiumBookmarks, replacement)
	})
}

func (r *Registry) GenericBookmarks(id string) []models.Location {
	return query(r, func() []models.Location {
		if rec, ok := r.records[id]; ok {
			return slices.Clone(rec.GenericBookmarks)
		}
		return nil
	})
}

func (r *Registry) AddGenericBookmark(id string, loc models.Location) {
	r.mutate(id, func(rec *models.BookRecord) {
		rec.GenericBookmarks = append(rec.GenericBookmarks, loc)
	})
}

// AddOrReplaceGenericBookmark replaces an identical bookmark, or adds loc.
func (r *Registry) AddOrReplaceGenericBookmark(id string, loc models.Location) {
	r.mutate(id, func(rec *models.BookRecord) {
		if i := slices.Index(rec.GenericBookmarks, loc); i >= 0 {
			rec.GenericBookmarks = slices.Delete(rec.GenericBookmarks, i, i+1)
		}
		rec.GenericBookmarks = append(rec.GenericBookmarks, loc)
	})
}

// DeleteGenericBookmark removes every bookmark similar to loc.
func (r *Registry) DeleteGenericBookmark(id string, loc models.Location) {
	r.mutate(id, func(rec *models.BookRecord) {
		rec.GenericBookmarks = deleteSimilar(rec.GenericBookmarks, loc)
	})
}

func (r *Registry) ReplaceGenericBookmark(id string, old, replacement models.Location) {
	r.mutate(id, func(rec *models.BookRecord) {
		rec.GenericBookmarks = deleteSimilar(rec.GenericBookmarks, old)
		rec.GenericBookmarks = append(rec.GenericBookmarks, replacement)
	})
}

func deleteSimilar(locs []models.Location, loc models.Location) []models.Location {
	return slices.DeleteFunc(locs, func(l models.Location) bool { return l.IsSimilarTo(loc) })
}
