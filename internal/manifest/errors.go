package manifest

// ManifestParseError is returned when a manifest blob cannot be turned into
// a usable Manifest.
type ManifestParseError struct {
	Reason string
	Err    error
}

func (e *ManifestParseError) Error() string {
	if e.Err != nil {
		return "manifest: " + e.Reason + ": " + e.Err.Error()
	}
	return "manifest: " + e.Reason
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

func parseError(reason string, err error) error {
	return &ManifestParseError{Reason: reason, Err: err}
}
