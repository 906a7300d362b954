package models

import "strings"

// MIME types that appear on acquisition links and transfer responses.
const (
	ContentTypeOPDSCatalog     = "application/atom+xml;profile=opds-catalog;kind=navigation"
	ContentTypeOPDSEntry       = "application/atom+xml;type=entry;profile=opds-catalog"
	ContentTypeEpubZip         = "application/epub+zip"
	ContentTypePDF             = "application/pdf"
	ContentTypeAdobeAdept      = "application/vnd.adobe.adept+xml"
	ContentTypeReadiumLCP      = "application/vnd.readium.lcp.license.v1.0+json"
	ContentTypeReadiumLCPPDF   = "application/vnd.readium.lcp.license.v1.0+json;profile=pdf"
	ContentTypeBearerToken     = "application/vnd.librarysimplified.bearer-token+json"
	ContentTypeAudiobook       = "application/audiobook+json"
	ContentTypeAudiobookLCP    = "application/audiobook+lcp"
	ContentTypeAudiobookZip    = "application/audiobook+zip"
	ContentTypeOverdriveAudio  = "application/vnd.overdrive.circulation.api+json;profile=audiobook"
	ContentTypeFindaway        = "application/vnd.librarysimplified.findaway.license+json"
	ContentTypeOctetStream     = "application/octet-stream"
	ContentTypeJSON            = "application/json"
	ContentTypeProblemDocument = "application/problem+json"
	ContentTypeAPIProblem      = "application/api-problem+json"
)

// supportedTypes lists every MIME type a default acquisition may pass
// through. Types outside this set are never presumed to be a book.
var supportedTypes = normalizedSet(
	ContentTypeOPDSEntry,
	ContentTypeEpubZip,
	ContentTypePDF,
	ContentTypeAdobeAdept,
	ContentTypeReadiumLCP,
	ContentTypeReadiumLCPPDF,
	ContentTypeBearerToken,
	ContentTypeAudiobook,
	ContentTypeAudiobookLCP,
	ContentTypeAudiobookZip,
	ContentTypeOverdriveAudio,
	ContentTypeFindaway,
)

func normalizedSet(types ...string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[NormalizeMIME(t)] = true
	}
	return set
}

// readableTypes are the final content types a reader can open.
var readableTypes = map[string]ContentType{
	ContentTypeEpubZip:        ContentTypeEPUB,
	ContentTypePDF:            ContentTypePDFBook,
	ContentTypeReadiumLCPPDF:  ContentTypePDFBook,
	ContentTypeAudiobook:      ContentTypeAudiobookBook,
	ContentTypeAudiobookLCP:   ContentTypeAudiobookBook,
	ContentTypeAudiobookZip:   ContentTypeAudiobookBook,
	ContentTypeOverdriveAudio: ContentTypeAudiobookBook,
	ContentTypeFindaway:       ContentTypeAudiobookBook,
}

// NormalizeMIME lowercases a media type and drops parameters other than
// profile, which distinguishes several acquisition types.
func NormalizeMIME(mediaType string) string {
	parts := strings.Split(mediaType, ";")
	base := strings.ToLower(strings.TrimSpace(parts[0]))
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(strings.ToLower(p), "profile=") {
			base += ";" + p
		}
	}
	return base
}

// IsSupportedType reports whether mediaType is an acquisition type the
// client knows how to follow.
func IsSupportedType(mediaType string) bool {
	mt := NormalizeMIME(mediaType)
	if supportedTypes[mt] {
		return true
	}
	return supportedTypes[baseType(mt)]
}

// SupportedTypes returns the supported acquisition types.
func SupportedTypes() []string {
	out := make([]string, 0, len(supportedTypes))
	for t := range supportedTypes {
		out = append(out, t)
	}
	return out
}

// IsProblemDocumentType reports whether mediaType carries a problem document.
func IsProblemDocumentType(mediaType string) bool {
	switch baseType(NormalizeMIME(mediaType)) {
	case ContentTypeProblemDocument, ContentTypeAPIProblem:
		return true
	}
	return false
}

func baseType(mediaType string) string {
	if i := strings.Index(mediaType, ";"); i >= 0 {
		return mediaType[:i]
	}
	return mediaType
}
