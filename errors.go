package ontograph

import "errors"

var (
	// ErrUnknownOntology is returned when an ontology name is not in the registry.
	ErrUnknownOntology = errors.New("ontograph: unknown ontology")

	// ErrEmptyDocument is returned when a document has no text to work on.
	ErrEmptyDocument = errors.New("ontograph: empty document")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("ontograph: invalid configuration")

	// ErrUnsupportedFormat is returned for unrecognized file formats.
	ErrUnsupportedFormat = errors.New("ontograph: unsupported document format")

	// ErrParsingFailed is returned when document parsing fails.
	ErrParsingFailed = errors.New("ontograph: parsing failed")
)
