package download

import (
	"context"
	"errors"
	"fmt"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/logging"
)

// ErrNoSelectionLink is returned when a book carries neither a selection
// link nor an alternate link to refresh it from.
var ErrNoSelectionLink = errors.New("download: book has no selection link")

// StartSelect adds book to the patron's favorites. The library is told
// through the book's select link, falling back to its alternate link, and
// the entry it answers with replaces the registry metadata. A book the
// registry does not know is added as an Unregistered favorite.
func (c *Center) StartSelect(ctx context.Context, book models.Book) error {
	return c.changeSelection(ctx, book, true)
}

// StartUnselect removes book from the patron's favorites. Only registered
// books can be unselected.
func (c *Center) StartUnselect(ctx context.Context, book models.Book) error {
	return c.changeSelection(ctx, book, false)
}

func (c *Center) changeSelection(ctx context.Context, book models.Book, selected bool) error {
	id := book.Identifier
	if id == "" {
		return errors.New("book has no identifier")
	}
	action := "unselect"
	link := book.UnselectURL
	if selected {
		action = "select"
		link = book.SelectURL
	}
	if link == "" {
		link = book.AlternateURL
	}
	c.logger.Info("changing book selection",
		logging.String(logging.FieldBookID, id),
		logging.String(logging.FieldTitle, book.Title),
		logging.String("action", action),
		logging.String("selection_state", c.registry.SelectionState(id).String()))

	if c.loginRequired() {
		return c.reauthenticate(ctx, false, func() { _ = c.changeSelection(ctx, book, selected) })
	}
	if link == "" {
		c.alert(ctx, book, failure{kind: models.FailureSelectionFailed, err: ErrNoSelectionLink})
		return fmt.Errorf("%s %s: %w", action, id, ErrNoSelectionLink)
	}

	c.registry.SetProcessing(id, true)
	defer c.registry.SetProcessing(id, false)

	feed, err := c.fetcher.FetchFeed(ctx, link, true)
	if err == nil && (feed == nil || len(feed.Entries) == 0) {
		err = errors.New("selection response carried no entry")
	}
	if err != nil {
		var doc *models.ProblemDocument
		errors.As(err, &doc)
		c.alert(ctx, book, failure{kind: models.FailureSelectionFailed, problem: doc, err: err})
		return fmt.Errorf("%s %s: %w", action, id, err)
	}

	fresh := feed.Entries[0]
	if fresh.Identifier == "" {
		fresh.Identifier = id
	}
	registered := c.registry.Record(fresh.Identifier) != nil
	switch {
	case selected && registered:
		c.registry.UpdateBook(fresh, models.SelectionSelected)
	case selected:
		c.registry.AddBook(fresh, models.StateUnregistered, models.SelectionSelected)
	case registered:
		c.registry.UpdateBook(fresh, models.SelectionUnselected)
	default:
		err := fmt.Errorf("book %s is not registered", fresh.Identifier)
		c.alert(ctx, book, failure{kind: models.FailureSelectionFailed, err: err})
		return fmt.Errorf("%s %s: %w", action, id, err)
	}
	c.logger.Info("book selection changed",
		logging.String(logging.FieldBookID, fresh.Identifier),
		logging.Bool("selected", selected))
	return nil
}
