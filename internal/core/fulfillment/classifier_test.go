package fulfillment

import (
	"net/http"
	"testing"

	"loanshelf/internal/core/domain/models"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		contentType string
		overdrive   bool
		want        models.RightsManagement
		ok          bool
	}{
		{models.ContentTypeAdobeAdept, false, models.RightsAdobe, true},
		{models.ContentTypeReadiumLCP, false, models.RightsLCP, true},
		{models.ContentTypeReadiumLCPPDF, false, models.RightsLCP, true},
		{"application/epub+zip; charset=binary", false, models.RightsNone, true},
		{models.ContentTypeBearerToken, false, models.RightsSimplifiedBearerTokenJSON, true},
		{"application/json", true, models.RightsOverdriveManifestJSON, true},
		{"application/json", false, models.RightsUnknown, false},
		{models.ContentTypePDF, false, models.RightsNone, true},
		{models.ContentTypeAudiobook, false, models.RightsNone, true},
		{"text/html; charset=utf-8", false, models.RightsUnknown, false},
		{"", false, models.RightsUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			got, ok := New(WithOverdrive(tt.overdrive)).Classify(tt.contentType)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestClassifyResponse(t *testing.T) {
	c := New()
	resp := &http.Response{Header: http.Header{"Content-Type": []string{models.ContentTypeAdobeAdept}}}
	got, ok := c.ClassifyResponse(resp)
	assert.True(t, ok)
	assert.Equal(t, models.RightsAdobe, got)

	_, ok = c.ClassifyResponse(nil)
	assert.False(t, ok)
}

func TestIsProblemDocument(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Content-Type": []string{"application/api-problem+json"}}}
	assert.True(t, IsProblemDocument(resp))
	assert.False(t, IsProblemDocument(&http.Response{Header: http.Header{}}))
	assert.False(t, IsProblemDocument(nil))
}

func TestShowsProgress(t *testing.T) {
	assert.True(t, ShowsProgress(models.RightsNone))
	assert.True(t, ShowsProgress(models.RightsLCP))
	assert.False(t, ShowsProgress(models.RightsAdobe))
	assert.False(t, ShowsProgress(models.RightsSimplifiedBearerTokenJSON))
	assert.False(t, ShowsProgress(models.RightsOverdriveManifestJSON))
}
