package host

import "errors"

var (
	ErrOutOfMemory          = errors.New("host: out of device memory")
	ErrUnknownAddress       = errors.New("host: address does not belong to a live buffer")
	ErrOutOfRange           = errors.New("host: access exceeds buffer bounds")
	ErrInvalidUsage         = errors.New("host: buffer usage does not allow this operation")
	ErrBufferMapped         = errors.New("host: buffer is already mapped")
	ErrEmptyInput           = errors.New("host: build inputs contain no primitives or instances")
	ErrInvalidStructure     = errors.New("host: no acceleration structure at address")
	ErrUpdateNotAllowed     = errors.New("host: structure was not built with allow-update")
	ErrCompactionNotAllowed = errors.New("host: structure was not built with allow-compaction")
	ErrInputMismatch        = errors.New("host: update inputs differ from the source structure")
	ErrInvalidProgram       = errors.New("host: program was not created by this backend")
	ErrMissingView          = errors.New("host: dispatch requires a top-level structure view")
	ErrInvalidStride        = errors.New("host: aabb stride is smaller than an aabb record")
)
