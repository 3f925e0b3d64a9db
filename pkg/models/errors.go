package models

import "github.com/pkg/errors"

var (
	// ErrMissingInput marks an expected file, artifact or column that is absent.
	// Such failures are not retried.
	ErrMissingInput = errors.New("missing input")
	// ErrUnsupportedModel is returned when a model family lacks a capability
	// an explainability stage needs.
	ErrUnsupportedModel = errors.New("unsupported model")
)
