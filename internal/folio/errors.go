package folio

import "errors"

var (
	// ErrUnknownRec means the id resolves to no cached record.
	ErrUnknownRec = errors.New("unknown rec")
	// ErrAlreadyExists means an add diff targeted an existing id.
	ErrAlreadyExists = errors.New("rec already exists")
	// ErrConcurrentChange means the expected mod did not match the current
	// record, or the storage transaction was aborted under our feet.
	ErrConcurrentChange = errors.New("concurrent change")
	// ErrCommit means a diff is illegal in its context.
	ErrCommit = errors.New("invalid commit")
	// ErrHisConfig means a history op targeted a record that is not a
	// historized point (missing point/his markers, or aux/trash).
	ErrHisConfig = errors.New("his config")
	// ErrEncoding wraps record payload decode failures.
	ErrEncoding = errors.New("encoding")
	// ErrUnsupported marks operations outside this engine's scope.
	ErrUnsupported = errors.New("unsupported")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)
