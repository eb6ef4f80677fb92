package synctask

import "errors"

var (
	ErrTaskNotFound   = errors.New("synctask: task not found")
	ErrTaskRunning    = errors.New("synctask: task already running")
	ErrTaskNotRunning = errors.New("synctask: task not running")
	ErrUnknownKind    = errors.New("synctask: unknown task kind")
)
