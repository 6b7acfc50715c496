package pipeline

import (
	"errors"
	"net/http"
)

// Kind classifies an extraction failure.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindDownloadFailure    Kind = "download_failure"
	KindNoTextExtracted    Kind = "no_text_extracted"
	KindOCRFailure         Kind = "ocr_failure"
	KindLLMFailure         Kind = "llm_failure"
	KindLLMParseFailure    Kind = "llm_parse_failure"
	KindPersistenceFailure Kind = "persistence_failure"
	KindInternal           Kind = "internal"
)

// Error is a classified failure of one extraction request.
type Error struct {
	Kind      Kind
	FactureID string
	Err       error
}

func (e *Error) Error() string {
	msg := "pipeline: " + string(e.Kind)
	if e.FactureID != "" {
		msg += " (facture " + e.FactureID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, factureID string, err error) *Error {
	return &Error{Kind: kind, FactureID: factureID, Err: err}
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status reported to clients.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidInput, KindDownloadFailure, KindNoTextExtracted:
		return http.StatusBadRequest
	case KindLLMFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
