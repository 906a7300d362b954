// Package fulfillment decides which rights management scheme governs a
// transfer from the response content type.
package fulfillment

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"loanshelf/internal/core/domain/models"
	"loanshelf/internal/logging"
)

// Classifier maps response MIME types to rights management schemes.
type Classifier struct {
	overdrive bool
	logger    *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithOverdrive treats application/json responses as Overdrive manifests.
func WithOverdrive(enabled bool) Option {
	return func(c *Classifier) { c.overdrive = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

func New(opts ...Option) *Classifier {
	c := &Classifier{}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "fulfillment")
	return c
}

// Classify returns the scheme for contentType. ok is false when the type is
// neither a known scheme nor a supported acquisition type; the server most
// likely answered with a login page instead of the book.
func (c *Classifier) Classify(contentType string) (rights models.RightsManagement, ok bool) {
	mt := mediaType(contentType)
	switch mt {
	case models.ContentTypeAdobeAdept:
		return models.RightsAdobe, true
	case models.ContentTypeReadiumLCP:
		return models.RightsLCP, true
	case models.ContentTypeEpubZip:
		return models.RightsNone, true
	case models.ContentTypeBearerToken:
		return models.RightsSimplifiedBearerTokenJSON, true
	case models.ContentTypeJSON:
		if c.overdrive {
			return models.RightsOverdriveManifestJSON, true
		}
	}
	if models.IsSupportedType(contentType) {
		c.logger.Info("presuming no DRM for unrecognized MIME type", logging.String(logging.FieldContentType, mt))
		return models.RightsNone, true
	}
	c.logger.Warn("unexpected MIME type, authentication might be needed",
		logging.String(logging.FieldContentType, mt))
	return models.RightsUnknown, false
}

// ClassifyResponse classifies resp by its Content-Type header.
func (c *Classifier) ClassifyResponse(resp *http.Response) (models.RightsManagement, bool) {
	if resp == nil {
		return models.RightsUnknown, false
	}
	return c.Classify(resp.Header.Get("Content-Type"))
}

// IsProblemDocument reports whether resp carries a problem document.
func IsProblemDocument(resp *http.Response) bool {
	return resp != nil && models.IsProblemDocumentType(resp.Header.Get("Content-Type"))
}

// ShowsProgress reports whether transfer progress is meaningful for the
// scheme. Schemes with a second hop report nothing until that hop is done.
func ShowsProgress(rights models.RightsManagement) bool {
	switch rights {
	case models.RightsAdobe, models.RightsSimplifiedBearerTokenJSON, models.RightsOverdriveManifestJSON:
		return false
	}
	return true
}

// mediaType strips parameters and lowercases.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		if i := strings.Index(contentType, ";"); i >= 0 {
			contentType = contentType[:i]
		}
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
