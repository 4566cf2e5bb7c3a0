package renderer

import "errors"

var (
	ErrSceneNotDefined   = errors.New("renderer: no scene defined")
	ErrBackendNotDefined = errors.New("renderer: no backend defined")
	ErrNoProgram         = errors.New("renderer: no program defined")
	ErrNoVars            = errors.New("renderer: no program vars defined")
	ErrNoHitGroups       = errors.New("renderer: program declares no hit groups")
	ErrInvalidFrameDims  = errors.New("renderer: invalid frame dimensions")
	ErrClosed            = errors.New("renderer: renderer is closed")
)
