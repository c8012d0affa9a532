package statetree

import "errors"

var (
	ErrAssetNotReady        = errors.New("state tree asset is not ready to run")
	ErrInstanceMismatch     = errors.New("instance data was built for a different asset")
	ErrExternalDataRejected = errors.New("external data collection failed")
	ErrMissingExternalData  = errors.New("required external data not provided")
	ErrUnknownTaskType      = errors.New("unknown task type")
	ErrDuplicateTaskType    = errors.New("task type already registered")
)
