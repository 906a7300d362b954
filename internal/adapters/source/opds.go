package source

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/core/domain/ports"
	"loanshelf/internal/logging"

	"github.com/mmcdole/gofeed/atom"
)

const (
	relAcquisition = "http://opds-spec.org/acquisition"
	relRevoke      = "http://librarysimplified.org/terms/rel/revoke"
	relSelect      = "http://librarysimplified.org/terms/rel/select"
	relUnselect    = "http://librarysimplified.org/terms/rel/unselect"
	relImage       = "http://opds-spec.org/image"
	relThumbnail   = "http://opds-spec.org/image/thumbnail"
	relAlternate   = "alternate"
	relPreview     = "preview"
)

var acquisitionRelations = map[string]models.Relation{
	relAcquisition:                  models.RelationGeneric,
	relAcquisition + "/open-access": models.RelationOpenAccess,
	relAcquisition + "/borrow":      models.RelationBorrow,
	relAcquisition + "/buy":         models.RelationBuy,
	relAcquisition + "/sample":      models.RelationSample,
	relAcquisition + "/subscribe":   models.RelationSubscribe,
	relPreview:                      models.RelationPreview,
}

// Getter performs an authorized GET. Non-2xx answers are returned with a
// nil error.
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, *http.Response, error)
}

// OPDSFetcher retrieves OPDS feeds and maps their entries to books.
type OPDSFetcher struct {
	client Getter
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedFeed
}

type cachedFeed struct {
	feed    *models.Feed
	fetched time.Time
}

// Option configures an OPDSFetcher.
type Option func(*OPDSFetcher)

// WithCacheTTL keeps fetched feeds for ttl. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *OPDSFetcher) { f.ttl = ttl }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *OPDSFetcher) { f.logger = logger }
}

func NewOPDSFetcher(client Getter, opts ...Option) *OPDSFetcher {
	f := &OPDSFetcher{
		client: client,
		ttl:    time.Minute,
		now:    time.Now,
		cache:  make(map[string]cachedFeed),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.NewComponentLogger(f.logger, "opds")
	return f
}

var _ ports.FeedFetcher = (*OPDSFetcher)(nil)

// FetchFeed returns the parsed feed at feedURL. A problem document answer is
// returned as a *models.ProblemDocument error. resetCache skips and
// replaces any cached copy.
func (f *OPDSFetcher) FetchFeed(ctx context.Context, feedURL string, resetCache bool) (*models.Feed, error) {
	if feedURL == "" {
		return nil, fmt.Errorf("OPDS URL is not configured")
	}
	if !resetCache {
		if feed, ok := f.cached(feedURL); ok {
			return feed, nil
		}
	}

	data, resp, err := f.client.Get(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OPDS feed from %s: %w", feedURL, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if models.IsProblemDocumentType(contentType) {
		doc, perr := models.ParseProblemDocument(data)
		if perr != nil {
			return nil, fmt.Errorf("OPDS feed returned status %d with unreadable problem document: %w", resp.StatusCode, perr)
		}
		if doc.Status == 0 {
			doc.Status = resp.StatusCode
		}
		f.logger.Info("server returned problem document",
			logging.String(logging.FieldURL, feedURL),
			logging.String("problem_type", doc.Type))
		return nil, doc
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("OPDS feed returned status: %d", resp.StatusCode)
	}

	var base *url.URL
	if resp.Request != nil {
		base = resp.Request.URL
	}
	if base == nil {
		base, _ = url.Parse(feedURL)
	}
	feed, err := ParseFeed(data, base)
	if err != nil {
		return nil, err
	}

	f.logger.Debug("fetched OPDS feed",
		logging.String(logging.FieldURL, feedURL),
		logging.Int("entries", len(feed.Entries)))
	if f.ttl > 0 {
		f.mu.Lock()
		f.cache[feedURL] = cachedFeed{feed: feed, fetched: f.now()}
		f.mu.Unlock()
	}
	return feed, nil
}

func (f *OPDSFetcher) cached(feedURL string) (*models.Feed, bool) {
	if f.ttl <= 0 {
		return nil, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cache[feedURL]
	if !ok || f.now().Sub(c.fetched) > f.ttl {
		return nil, false
	}
	return c.feed, true
}

// opdsFeed mirrors the parts of an OPDS document the Atom parser drops:
// elements nested inside links and the DRM licensor.
type opdsFeed struct {
	Licensor *opdsLicensor `xml:"http://librarysimplified.org/terms/drm licensor"`
	Entries  []opdsEntry   `xml:"http://www.w3.org/2005/Atom entry"`
}

type opdsLicensor struct {
	Vendor      string `xml:"http://librarysimplified.org/terms/drm vendor,attr"`
	ClientToken string `xml:"http://librarysimplified.org/terms/drm clientToken"`
}

type opdsEntry struct {
	ID           string            `xml:"http://www.w3.org/2005/Atom id"`
	Links        []opdsLink        `xml:"http://www.w3.org/2005/Atom link"`
	Distribution *opdsDistribution `xml:"http://bibframe.org/vocab/ distribution"`
	Selected     *struct{}         `xml:"http://librarysimplified.org/terms/ selected"`
}

type opdsDistribution struct {
	ProviderName string `xml:"http://bibframe.org/vocab/ ProviderName,attr"`
}

type opdsLink struct {
	Rel          string            `xml:"rel,attr"`
	Href         string            `xml:"href,attr"`
	Type         string            `xml:"type,attr"`
	Indirect     []opdsIndirect    `xml:"http://opds-spec.org/2010/catalog indirectAcquisition"`
	Availability *opdsAvailability `xml:"http://opds-spec.org/2010/catalog availability"`
	Holds        *opdsHolds        `xml:"http://opds-spec.org/2010/catalog holds"`
	Copies       *opdsCopies       `xml:"http://opds-spec.org/2010/catalog copies"`
}

type opdsIndirect struct {
	Type     string         `xml:"type,attr"`
	Indirect []opdsIndirect `xml:"http://opds-spec.org/2010/catalog indirectAcquisition"`
}

type opdsAvailability struct {
	Status string `xml:"status,attr"`
	Since  string `xml:"since,attr"`
	Until  string `xml:"until,attr"`
}

type opdsHolds struct {
	Total    string `xml:"total,attr"`
	Position string `xml:"position,attr"`
}

type opdsCopies struct {
	Total     string `xml:"total,attr"`
	Available string `xml:"available,attr"`
}

// ParseFeed maps an OPDS acquisition feed to books. Relative links are
// resolved against base.
func ParseFeed(data []byte, base *url.URL) (*models.Feed, error) {
	data, err := asFeedDocument(data)
	if err != nil {
		return nil, err
	}
	parsed, err := (&atom.Parser{}).Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OPDS feed as Atom: %w", err)
	}
	var extra opdsFeed
	if err := xml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse OPDS extensions: %w", err)
	}
	byID := make(map[string]opdsEntry, len(extra.Entries))
	for _, e := range extra.Entries {
		byID[strings.TrimSpace(e.ID)] = e
	}

	feed := &models.Feed{Title: parsed.Title}
	if extra.Licensor != nil {
		feed.Licensor = map[string]string{
			"vendor":      extra.Licensor.Vendor,
			"clientToken": strings.TrimSpace(extra.Licensor.ClientToken),
		}
	}

	for _, entry := range parsed.Entries {
		if entry.ID == "" {
			continue
		}
		book := models.Book{
			Identifier: entry.ID,
			Title:      entry.Title,
			Summary:    entry.Summary,
		}
		if book.Summary == "" && entry.Content != nil {
			book.Summary = entry.Content.Value
		}
		switch {
		case entry.UpdatedParsed != nil:
			book.Updated = *entry.UpdatedParsed
		case entry.PublishedParsed != nil:
			book.Updated = *entry.PublishedParsed
		}
		for _, a := range entry.Authors {
			book.Authors = append(book.Authors, a.Name)
		}

		for _, link := range entry.Links {
			href := resolve(base, link.Href)
			switch link.Rel {
			case relRevoke:
				book.RevokeURL = href
			case relAlternate:
				book.AlternateURL = href
			case relImage:
				book.ImageURL = href
			case relThumbnail:
				book.ThumbnailURL = href
			case relSelect:
				book.SelectURL = href
			case relUnselect:
				book.UnselectURL = href
				book.Selected = true
			}
		}

		ext := byID[entry.ID]
		for _, link := range ext.Links {
			rel, ok := acquisitionRelations[link.Rel]
			if !ok {
				continue
			}
			if rel == models.RelationPreview {
				book.PreviewURL = resolve(base, link.Href)
			}
			book.Acquisitions = append(book.Acquisitions, models.Acquisition{
				Relation:      rel,
				Type:          link.Type,
				HRef:          resolve(base, link.Href),
				IndirectTypes: indirectChain(link.Indirect),
				Availability:  availability(link),
			})
		}
		if ext.Distribution != nil {
			book.Distributor = ext.Distribution.ProviderName
		}
		if ext.Selected != nil {
			book.Selected = true
		}
		feed.Entries = append(feed.Entries, book)
	}
	return feed, nil
}

// asFeedDocument wraps a bare entry document, as returned by borrow and
// revoke links, in a feed.
func asFeedDocument(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse OPDS document: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "entry" {
			return data, nil
		}
		var buf bytes.Buffer
		buf.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom">`)
		buf.Write(data[offset:])
		buf.WriteString(`</feed>`)
		return buf.Bytes(), nil
	}
}

// indirectChain follows the first nested indirect acquisition at each
// level.
func indirectChain(indirect []opdsIndirect) []string {
	var chain []string
	for len(indirect) > 0 {
		chain = append(chain, indirect[0].Type)
		indirect = indirect[0].Indirect
	}
	return chain
}

// availability reads opds:availability, opds:holds and opds:copies. A link
// without availability information is unlimited.
func availability(link opdsLink) models.Availability {
	if link.Availability == nil {
		return models.Unlimited{}
	}
	since := parseTime(link.Availability.Since)
	until := parseTime(link.Availability.Until)

	var holdsTotal, holdPosition, copiesTotal, copiesAvailable int
	if link.Holds != nil {
		holdsTotal = atoi(link.Holds.Total)
		holdPosition = atoi(link.Holds.Position)
	}
	if link.Copies != nil {
		copiesTotal = atoi(link.Copies.Total)
		copiesAvailable = atoi(link.Copies.Available)
	}

	switch link.Availability.Status {
	case "unavailable":
		return models.Unavailable{HoldsTotal: holdsTotal, CopiesAvailable: copiesAvailable, CopiesTotal: copiesTotal}
	case "available":
		if link.Copies == nil {
			return models.Unlimited{}
		}
		return models.Limited{CopiesAvailable: copiesAvailable, CopiesTotal: copiesTotal, Since: since, Until: until}
	case "reserved":
		return models.Reserved{HoldPosition: holdPosition, CopiesTotal: copiesTotal, Since: since, Until: until}
	case "ready":
		return models.Ready{Since: since, Until: until}
	default:
		return models.Unlimited{}
	}
}

func resolve(base *url.URL, href string) string {
	if href == "" || base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
