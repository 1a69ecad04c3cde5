package engine

import (
	"errors"

	"github.com/BadgerOps/stockdash/internal/fetch"
	"github.com/BadgerOps/stockdash/internal/inventory"
	"github.com/BadgerOps/stockdash/internal/store"
)

// ErrorKind names a failure class shown to operators and stored with runs.
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindNetworkUnreachable   ErrorKind = ErrorKind(fetch.KindUnreachable)
	KindConnectionTimeout    ErrorKind = ErrorKind(fetch.KindTimeout)
	KindAuthenticationFailed ErrorKind = ErrorKind(fetch.KindAuth)
	KindRemoteFileNotFound   ErrorKind = ErrorKind(fetch.KindNotFound)
	KindTransportError       ErrorKind = ErrorKind(fetch.KindTransport)
	KindSchemaInvalid        ErrorKind = "schema_invalid"
	KindEmptyDataset         ErrorKind = "empty_dataset"
	KindDuplicateCode        ErrorKind = "duplicate_code"
	KindMalformedFile        ErrorKind = "malformed_file"
	KindConfigurationInvalid ErrorKind = "configuration_invalid"
	KindPersistenceFailed    ErrorKind = "persistence_failed"
	KindInternal             ErrorKind = "internal_error"
)

// Classify maps err to its ErrorKind. nil maps to KindNone.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if k, ok := fetch.KindOf(err); ok {
		return ErrorKind(k)
	}
	switch {
	case errors.Is(err, inventory.ErrSchemaInvalid):
		return KindSchemaInvalid
	case errors.Is(err, inventory.ErrEmptyDataset):
		return KindEmptyDataset
	case errors.Is(err, inventory.ErrDuplicateCode):
		return KindDuplicateCode
	case errors.Is(err, inventory.ErrMalformed):
		return KindMalformedFile
	case errors.Is(err, store.ErrInvalidSettings):
		return KindConfigurationInvalid
	case errors.Is(err, store.ErrPersistence):
		return KindPersistenceFailed
	}
	return KindInternal
}

// describe renders err for the journal and the dashboard. Fetch errors
// lead with the kind's hint so the operator sees what to check first.
func describe(err error) string {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return fe.Kind.Hint() + " (" + fe.Err.Error() + ")"
	}
	return err.Error()
}
