package operation

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const metadataTitle = "title"

type category int

const (
	categoryHandler category = iota
	categoryConflict
	categoryValidation
)

// Kind tags a domain error. Code is the go-errors text code, Title the
// human label carried in the serialized payload.
type Kind struct {
	Code        string
	Title       string
	Description string
	category    category
}

var (
	KindScopeBinding = Kind{
		Code:        "COMMAND_SCOPE_BINDING",
		Title:       "A-Command Scope Binding Error",
		Description: "command execution scope is not bound to a live context",
		category:    categoryConflict,
	}
	KindExecution = Kind{
		Code:        "COMMAND_EXECUTION",
		Title:       "A-Command Execution Error",
		Description: "command execution failed",
		category:    categoryHandler,
	}
	KindResultProcessing = Kind{
		Code:        "COMMAND_RESULT_PROCESSING",
		Title:       "A-Command Result Processing Error",
		Description: "command result processing failed",
		category:    categoryValidation,
	}
	// KindInterrupted is reserved; no code path constructs it yet.
	KindInterrupted = Kind{
		Code:        "COMMAND_INTERRUPTED",
		Title:       "A-Command Interrupted Error",
		Description: "command execution was interrupted",
		category:    categoryHandler,
	}
	KindInitialization = Kind{
		Code:        "STATE_MACHINE_INITIALIZATION",
		Title:       "A-StateMachine Initialization Error",
		Description: "state machine initialization failed",
		category:    categoryHandler,
	}
	KindTransition = Kind{
		Code:        "STATE_MACHINE_TRANSITION",
		Title:       "A-StateMachine Transition Error",
		Description: "state machine transition failed",
		category:    categoryHandler,
	}
)

var kinds = map[string]Kind{
	KindScopeBinding.Code:     KindScopeBinding,
	KindExecution.Code:        KindExecution,
	KindResultProcessing.Code: KindResultProcessing,
	KindInterrupted.Code:      KindInterrupted,
	KindInitialization.Code:   KindInitialization,
	KindTransition.Code:       KindTransition,
}

// KindFor returns the registered kind for a text code.
func KindFor(code string) (Kind, bool) {
	k, ok := kinds[strings.TrimSpace(code)]
	return k, ok
}

func (k Kind) base(message string) *apperrors.Error {
	switch k.category {
	case categoryConflict:
		return apperrors.New(message, apperrors.CategoryConflict)
	case categoryValidation:
		return apperrors.New(message, apperrors.CategoryValidation)
	default:
		return apperrors.New(message, apperrors.CategoryHandler)
	}
}

// NewError builds a domain error of the given kind. An empty description
// falls back to the kind default; source becomes the original error.
func NewError(kind Kind, description string, source error, metadata map[string]any) *apperrors.Error {
	if text := strings.TrimSpace(description); text != "" {
		description = text
	} else {
		description = kind.Description
	}
	meta := copyMap(metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[metadataTitle] = kind.Title

	err := kind.base(description).
		WithTextCode(kind.Code).
		WithMetadata(meta)
	if source != nil {
		err.Source = source
	}
	return err
}

// Wrap returns err unchanged when it already is a domain error, otherwise it
// wraps it with the given kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return err
	}
	return NewError(kind, "", err, nil)
}

// IsDomainError reports whether err carries one of the registered kinds.
func IsDomainError(err error) bool {
	return KindOf(err) != ""
}

// KindOf returns the text code of the outermost domain error in the chain.
func KindOf(err error) string {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return ""
	}
	if _, ok := kinds[ge.TextCode]; !ok {
		return ""
	}
	return ge.TextCode
}

// IsKind reports whether err is a domain error of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k.Code
}

// Title returns the human title of a domain error, empty otherwise.
func Title(err error) string {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return ""
	}
	if title, ok := ge.Metadata[metadataTitle].(string); ok {
		return title
	}
	if k, ok := kinds[ge.TextCode]; ok {
		return k.Title
	}
	return ""
}

// Description returns the description of a domain error.
func Description(err error) string {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return ""
	}
	return ge.Message
}

// Original returns the wrapped cause of a domain error.
func Original(err error) error {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return nil
	}
	return ge.Source
}

// ErrorPayload is the serialized form of an error.
type ErrorPayload struct {
	Title         string         `json:"title,omitempty"`
	Description   string         `json:"description,omitempty"`
	Code          string         `json:"code,omitempty"`
	Message       string         `json:"message,omitempty"`
	OriginalError *ErrorPayload  `json:"originalError,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// MarshalError converts err into its payload. Domain errors keep their
// title, description and cause chain; anything else only keeps its message.
func MarshalError(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || !IsDomainError(err) {
		return &ErrorPayload{Message: err.Error()}
	}

	meta := copyMap(ge.Metadata)
	delete(meta, metadataTitle)
	if len(meta) == 0 {
		meta = nil
	}

	return &ErrorPayload{
		Title:         Title(ge),
		Description:   ge.Message,
		Code:          ge.TextCode,
		Message:       ge.Message,
		OriginalError: MarshalError(ge.Source),
		Metadata:      meta,
	}
}

// UnmarshalError rebuilds a domain error from its payload. Payloads with an
// unknown code are restored as execution errors so callers always get a
// domain error back.
func UnmarshalError(p *ErrorPayload) error {
	if p == nil {
		return nil
	}
	if p.Code == "" && p.Title == "" {
		return stderrors.New(p.Message)
	}
	kind, ok := KindFor(p.Code)
	if !ok {
		kind = KindExecution
	}
	description := p.Description
	if description == "" {
		description = p.Message
	}
	err := NewError(kind, description, UnmarshalError(p.OriginalError), p.Metadata)
	if p.Title != "" && p.Title != kind.Title {
		err.Metadata[metadataTitle] = p.Title
	}
	return err
}
