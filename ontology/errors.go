package ontology

import "errors"

var (
	ErrUnknownLibrary  = errors.New("ontology: unknown library")
	ErrUnknownOntology = errors.New("ontology: unknown ontology")
	ErrInvalidCatalog  = errors.New("ontology: invalid catalog")
)
