package models

import (
	"encoding/json"
	"time"
)

// ContentType is the kind of content a book's default acquisition delivers.
type ContentType int

const (
	ContentTypeUnsupported ContentType = iota
	ContentTypeEPUB
	ContentTypePDFBook
	ContentTypeAudiobookBook
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeEPUB:
		return "epub"
	case ContentTypePDFBook:
		return "pdf"
	case ContentTypeAudiobookBook:
		return "audiobook"
	default:
		return "unsupported"
	}
}

// Relation is the OPDS acquisition relation of a link.
type Relation string

const (
	RelationGeneric    Relation = "generic"
	RelationOpenAccess Relation = "open-access"
	RelationBorrow     Relation = "borrow"
	RelationBuy        Relation = "buy"
	RelationSample     Relation = "sample"
	RelationPreview    Relation = "preview"
	RelationSubscribe  Relation = "subscribe"
)

// Acquisition is a server-provided link through which a book's bytes or
// license can be obtained.
type Acquisition struct {
	Relation      Relation
	Type          string
	HRef          string
	IndirectTypes []string
	Availability  Availability
}

// MIMEChain returns the link type followed by its nested indirect types.
func (a Acquisition) MIMEChain() []string {
	chain := make([]string, 0, len(a.IndirectTypes)+1)
	chain = append(chain, a.Type)
	return append(chain, a.IndirectTypes...)
}

// FinalType returns the innermost MIME type of the acquisition.
func (a Acquisition) FinalType() string {
	if n := len(a.IndirectTypes); n > 0 {
		return a.IndirectTypes[n-1]
	}
	return a.Type
}

func (a Acquisition) supported() bool {
	for _, t := range a.MIMEChain() {
		if !IsSupportedType(t) {
			return false
		}
	}
	_, readable := readableTypes[NormalizeMIME(a.FinalType())]
	return readable
}

type acquisitionJSON struct {
	Relation      Relation        `json:"rel"`
	Type          string          `json:"type"`
	HRef          string          `json:"href"`
	IndirectTypes []string        `json:"indirect-types,omitempty"`
	Availability  json.RawMessage `json:"availability,omitempty"`
}

func (a Acquisition) MarshalJSON() ([]byte, error) {
	avail, err := marshalAvailability(a.Availability)
	if err != nil {
		return nil, err
	}
	return json.Marshal(acquisitionJSON{
		Relation:      a.Relation,
		Type:          a.Type,
		HRef:          a.HRef,
		IndirectTypes: a.IndirectTypes,
		Availability:  avail,
	})
}

func (a *Acquisition) UnmarshalJSON(data []byte) error {
	var v acquisitionJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	avail, err := unmarshalAvailability(v.Availability)
	if err != nil {
		return err
	}
	*a = Acquisition{
		Relation:      v.Relation,
		Type:          v.Type,
		HRef:          v.HRef,
		IndirectTypes: v.IndirectTypes,
		Availability:  avail,
	}
	return nil
}

// Book is an immutable metadata snapshot of one catalog entry. Feed updates
// replace it wholesale.
type Book struct {
	Identifier   string        `json:"id"`
	Title        string        `json:"title"`
	Authors      []string      `json:"authors,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Distributor  string        `json:"distributor,omitempty"`
	Acquisitions []Acquisition `json:"acquisitions,omitempty"`
	RevokeURL    string        `json:"revoke-url,omitempty"`
	AlternateURL string        `json:"alternate-url,omitempty"`
	ImageURL     string        `json:"image-url,omitempty"`
	ThumbnailURL string        `json:"image-thumbnail-url,omitempty"`
	PreviewURL   string        `json:"preview-url,omitempty"`
	SelectURL    string        `json:"select-url,omitempty"`
	UnselectURL  string        `json:"unselect-url,omitempty"`
	Selected     bool          `json:"selected,omitempty"`
	Updated      time.Time     `json:"updated"`
}

var defaultRelations = []Relation{
	RelationBorrow,
	RelationOpenAccess,
	RelationGeneric,
	RelationBuy,
	RelationSubscribe,
}

// DefaultAcquisition returns the acquisition the client follows to get the
// book, or nil when no acquisition leads to readable content.
func (b Book) DefaultAcquisition() *Acquisition {
	for _, rel := range defaultRelations {
		for i := range b.Acquisitions {
			a := &b.Acquisitions[i]
			if a.Relation == rel && a.supported() {
				return a
			}
		}
	}
	return nil
}

// DefaultAcquisitionIfBorrow returns the default acquisition when it is a
// borrow link.
func (b Book) DefaultAcquisitionIfBorrow() *Acquisition {
	if a := b.DefaultAcquisition(); a != nil && a.Relation == RelationBorrow {
		return a
	}
	return nil
}

// DefaultAcquisitionIfOpenAccess returns the default acquisition when it is
// an open-access link.
func (b Book) DefaultAcquisitionIfOpenAccess() *Acquisition {
	if a := b.DefaultAcquisition(); a != nil && a.Relation == RelationOpenAccess {
		return a
	}
	return nil
}

// Availability returns the availability of the default acquisition, or nil.
func (b Book) Availability() Availability {
	if a := b.DefaultAcquisition(); a != nil {
		return a.Availability
	}
	return nil
}

// ContentType reports what the default acquisition eventually delivers.
func (b Book) ContentType() ContentType {
	a := b.DefaultAcquisition()
	if a == nil {
		return ContentTypeUnsupported
	}
	return readableTypes[NormalizeMIME(a.FinalType())]
}

// CanCompleteDownload reports whether a transfer answered with contentType
// can finish this book's acquisition.
func (b Book) CanCompleteDownload(contentType string) bool {
	a := b.DefaultAcquisition()
	if a == nil {
		return false
	}
	ct := NormalizeMIME(contentType)
	switch baseType(ct) {
	case ContentTypeAdobeAdept, ContentTypeReadiumLCP, ContentTypeBearerToken:
		return true
	}
	for _, t := range a.MIMEChain() {
		nt := NormalizeMIME(t)
		if nt == ct || baseType(nt) == baseType(ct) {
			return true
		}
	}
	return false
}

// WithMetadataFrom returns b with descriptive metadata refreshed from other.
// Identifier, acquisitions and revoke link are kept.
func (b Book) WithMetadataFrom(other Book) Book {
	out := b
	out.Title = other.Title
	out.Authors = other.Authors
	out.Summary = other.Summary
	out.ImageURL = other.ImageURL
	out.ThumbnailURL = other.ThumbnailURL
	out.AlternateURL = other.AlternateURL
	out.Updated = other.Updated
	return out
}

// Feed is an ordered list of books parsed from one OPDS document.
type Feed struct {
	Title    string
	Entries  []Book
	Licensor map[string]string
}
