package accel

import "errors"

var (
	ErrEmptyScene              = errors.New("accel: scene contains no procedural primitives")
	ErrEmptyBuildInput         = errors.New("accel: empty build input")
	ErrNoInstances             = errors.New("accel: scene contains no instances")
	ErrInvalidBuffer           = errors.New("accel: missing or mismatched buffer handle")
	ErrMissingScratch          = errors.New("accel: scratch buffer required but not allocated")
	ErrCompactedSizeExceedsMax = errors.New("accel: post-build size exceeds prebuild maximum")
	ErrRebuildSizeMismatch     = errors.New("accel: in-place rebuild requires the maximum result size")
	ErrUpdateScratchTooLarge   = errors.New("accel: update scratch size exceeds build scratch size")
	ErrFieldOverflow           = errors.New("accel: value does not fit in a 24-bit instance field")
	ErrCacheInsertFailed       = errors.New("accel: top-level build did not insert a cache entry")
	ErrInvalidRayTypeCount     = errors.New("accel: ray type count must be positive")
	ErrPrimitiveCountMismatch  = errors.New("accel: primitive count differs from the built geometry")
	ErrStaleScene              = errors.New("accel: scene generation changed; create a new accelerator")
)
