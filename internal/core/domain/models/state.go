package models

import "fmt"

// BookState is the lifecycle state of a book in the registry. The string
// tokens are persisted and must stay stable.
type BookState int

const (
	StateUnregistered BookState = iota
	StateDownloadNeeded
	StateDownloading
	StateSAMLStarted
	StateDownloadFailed
	StateDownloadSuccessful
	StateHolding
	StateUsed
	StateUnsupported
)

var bookStateTokens = map[BookState]string{
	StateUnregistered:       "unregistered",
	StateDownloadNeeded:     "download-needed",
	StateDownloading:        "downloading",
	StateSAMLStarted:        "SAML-started",
	StateDownloadFailed:     "download-failed",
	StateDownloadSuccessful: "download-successful",
	StateHolding:            "holding",
	StateUsed:               "used",
	StateUnsupported:        "unsupported",
}

// AllBookStates lists every state in declaration order.
func AllBookStates() []BookState {
	return []BookState{
		StateUnregistered,
		StateDownloadNeeded,
		StateDownloading,
		StateSAMLStarted,
		StateDownloadFailed,
		StateDownloadSuccessful,
		StateHolding,
		StateUsed,
		StateUnsupported,
	}
}

func (s BookState) String() string {
	if tok, ok := bookStateTokens[s]; ok {
		return tok
	}
	return fmt.Sprintf("BookState(%d)", int(s))
}

// ParseBookState maps a persisted token back to a BookState.
func ParseBookState(token string) (BookState, error) {
	for s, tok := range bookStateTokens {
		if tok == token {
			return s, nil
		}
	}
	return StateUnregistered, fmt.Errorf("unknown book state %q", token)
}

func (s BookState) MarshalText() ([]byte, error) {
	tok, ok := bookStateTokens[s]
	if !ok {
		return nil, fmt.Errorf("unknown book state %d", int(s))
	}
	return []byte(tok), nil
}

func (s *BookState) UnmarshalText(text []byte) error {
	parsed, err := ParseBookState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsLoan reports whether the state belongs to a borrowed book.
func (s BookState) IsLoan() bool {
	switch s {
	case StateDownloadNeeded, StateDownloading, StateSAMLStarted,
		StateDownloadFailed, StateDownloadSuccessful, StateUsed:
		return true
	}
	return false
}

// IsDownloaded reports whether local content exists for the state.
func (s BookState) IsDownloaded() bool {
	return s == StateDownloadSuccessful || s == StateUsed
}

// SelectionState is the favorite flag of a book, independent of BookState.
type SelectionState int

const (
	SelectionSelected SelectionState = iota
	SelectionUnselected
	SelectionUnregistered
)

const (
	selectedToken              = "selected"
	unselectedToken            = "unselected"
	selectionUnregisteredToken = "selectionUnregistered"
)

func (s SelectionState) String() string {
	switch s {
	case SelectionSelected:
		return selectedToken
	case SelectionUnselected:
		return unselectedToken
	case SelectionUnregistered:
		return selectionUnregisteredToken
	default:
		return fmt.Sprintf("SelectionState(%d)", int(s))
	}
}

// ParseSelectionState maps a persisted token back to a SelectionState.
func ParseSelectionState(token string) (SelectionState, error) {
	switch token {
	case selectedToken:
		return SelectionSelected, nil
	case unselectedToken:
		return SelectionUnselected, nil
	case selectionUnregisteredToken:
		return SelectionUnregistered, nil
	}
	return SelectionUnregistered, fmt.Errorf("unknown selection state %q", token)
}

func (s SelectionState) MarshalText() ([]byte, error) {
	switch s {
	case SelectionSelected, SelectionUnselected, SelectionUnregistered:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("unknown selection state %d", int(s))
}

func (s *SelectionState) UnmarshalText(text []byte) error {
	parsed, err := ParseSelectionState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
