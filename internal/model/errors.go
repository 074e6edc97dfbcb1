package model

import "github.com/rotisserie/eris"

// Fatal error kinds. Both abort a run before any remote call is made; match
// them with errors.Is.
var (
	ErrConfiguration  = eris.New("configuration error")
	ErrMalformedInput = eris.New("malformed input")
)
