package parsers

import "fmt"

// FormatDetectionError means no registered parser recognized the
// document. Fatal to the parse request; no partial plan is produced.
type FormatDetectionError struct {
	Tried []string
}

func (e *FormatDetectionError) Error() string {
	return fmt.Sprintf("could not detect IaC type (tried %d parsers)", len(e.Tried))
}

// ParseError means the top-level document was malformed for the parser
// that claimed it. Fatal to that document only.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s document: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
