package nodestore

import "errors"

// ErrNotFound is returned by a [coretypes.NodeIO] ReadNode implementation
// when the requested logical id was never created.
var ErrNotFound = errors.New("nodestore: node not found")
