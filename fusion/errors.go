package fusion

import "errors"

var (
	ErrDuplicateAnchor    = errors.New("anchor already registered")
	ErrUnknownAnchor      = errors.New("unknown anchor")
	ErrUnpositionedAnchor = errors.New("anchor has no position")
	ErrInvalidAnchorID    = errors.New("invalid anchor id")
	ErrNoUnplacedAnchor   = errors.New("all anchors are already placed")
	ErrInvalidParams      = errors.New("invalid distance parameters")
	ErrInvalidPosition    = errors.New("anchor coordinates must be finite")
)

var ErrInvalidFloor = errors.New("invalid floor")
