package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RightsManagement is the licensing scheme governing an acquired file.
type RightsManagement int

const (
	RightsUnknown RightsManagement = iota
	RightsNone
	RightsAdobe
	RightsLCP
	RightsSimplifiedBearerTokenJSON
	RightsOverdriveManifestJSON
)

func (r RightsManagement) String() string {
	switch r {
	case RightsNone:
		return "none"
	case RightsAdobe:
		return "adobe"
	case RightsLCP:
		return "lcp"
	case RightsSimplifiedBearerTokenJSON:
		return "simplifiedBearerTokenJSON"
	case RightsOverdriveManifestJSON:
		return "overdriveManifestJSON"
	default:
		return "unknown"
	}
}

// BearerToken is the payload of a bearer-token acquisition: the real
// content lives at Location and is fetched with AccessToken.
type BearerToken struct {
	AccessToken string
	Expiration  time.Time
	Location    string
}

type bearerTokenJSON struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Location    string `json:"location"`
}

// ParseBearerToken decodes a bearer-token document. now anchors expires_in.
func ParseBearerToken(data []byte, now time.Time) (*BearerToken, error) {
	var v bearerTokenJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse bearer token: %w", err)
	}
	if v.AccessToken == "" || v.Location == "" {
		return nil, errors.New("bearer token missing access_token or location")
	}
	tok := &BearerToken{AccessToken: v.AccessToken, Location: v.Location}
	if v.ExpiresIn > 0 {
		tok.Expiration = now.Add(time.Duration(v.ExpiresIn) * time.Second)
	}
	return tok, nil
}
