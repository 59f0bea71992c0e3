package shell

import "errors"

// ErrNoPasswordPrompt is returned by SubmitPassword when the current
// screen is not a password prompt.
var ErrNoPasswordPrompt = errors.New("no password prompt is open")
