package coach

import "errors"

// ErrNoActiveCall is returned by ForceEndCall when no call is in progress.
var ErrNoActiveCall = errors.New("no active call")
