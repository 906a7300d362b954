package models

import (
	"encoding/json"
	"fmt"
)

// Problem document types the client reacts to specifically.
const (
	ProblemTypeLoanAlreadyExists  = "http://librarysimplified.org/terms/problem/loan-already-exists"
	ProblemTypeInvalidCredentials = "http://librarysimplified.org/terms/problem/credentials-invalid"
	ProblemTypeNoActiveLoan       = "http://librarysimplified.org/terms/problem/no-active-loan"
	ProblemTypeExpiredCredentials = "http://librarysimplified.org/terms/problem/expired-credentials"
)

// ProblemDocument is a typed error payload returned by the server in place
// of a normal response.
type ProblemDocument struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   int    `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *ProblemDocument) Error() string {
	switch {
	case p.Title != "" && p.Detail != "":
		return fmt.Sprintf("%s: %s", p.Title, p.Detail)
	case p.Title != "":
		return p.Title
	case p.Detail != "":
		return p.Detail
	default:
		return "problem document " + p.Type
	}
}

// ParseProblemDocument decodes a problem document body.
func ParseProblemDocument(data []byte) (*ProblemDocument, error) {
	var doc ProblemDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse problem document: %w", err)
	}
	return &doc, nil
}

// IndicatesReauthentication reports whether the server asked for fresh
// credentials.
func (p *ProblemDocument) IndicatesReauthentication() bool {
	if p == nil {
		return false
	}
	return p.Type == ProblemTypeInvalidCredentials || p.Type == ProblemTypeExpiredCredentials
}
