package models

import (
	"encoding/json"
	"fmt"
)

// Location is an opaque reader position tagged with the renderer that
// produced it.
type Location struct {
	LocationString string `json:"locationString"`
	Renderer       string `json:"renderer"`
}

func (l Location) dictionary() map[string]any {
	var dict map[string]any
	if err := json.Unmarshal([]byte(l.LocationString), &dict); err != nil {
		return nil
	}
	return dict
}

// IsSimilarTo compares two locations from the same renderer by their decoded
// location dictionaries, ignoring the save timestamp.
func (l Location) IsSimilarTo(other Location) bool {
	if l.Renderer != other.Renderer {
		return false
	}
	mine, theirs := l.dictionary(), other.dictionary()
	if mine == nil || theirs == nil {
		return false
	}
	for key, value := range mine {
		if key == "lastSavedTimeStamp" {
			continue
		}
		otherValue, ok := theirs[key]
		if !ok || fmt.Sprint(value) != fmt.Sprint(otherValue) {
			return false
		}
	}
	return true
}

// ReadiumBookmark is a reader bookmark for reflowable content.
type ReadiumBookmark struct {
	AnnotationID          string  `json:"annotationId,omitempty"`
	Href                  string  `json:"href"`
	Chapter               string  `json:"chapter,omitempty"`
	Page                  string  `json:"page,omitempty"`
	Location              string  `json:"location,omitempty"`
	ProgressWithinChapter float64 `json:"progressWithinChapter"`
	ProgressWithinBook    float64 `json:"progressWithinBook"`
	Time                  string  `json:"time,omitempty"`
	Device                string  `json:"device,omitempty"`
}

// Equal reports whether two bookmarks point at the same place. Server
// annotation ids win when both bookmarks have one.
func (b ReadiumBookmark) Equal(other ReadiumBookmark) bool {
	if b.AnnotationID != "" && other.AnnotationID != "" {
		return b.AnnotationID == other.AnnotationID
	}
	return b.Href == other.Href &&
		b.Location == other.Location &&
		b.ProgressWithinChapter == other.ProgressWithinChapter
}
