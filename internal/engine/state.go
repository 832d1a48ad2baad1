package engine

import "errors"

// State 是引擎生命周期状态。
type State int32

const (
	StateUninitialized State = iota
	StateInstalling
	StateInstalled
	StateInstallFailed
	StateActivating
	StateActivated
	StateTerminated
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateInstalling:    "installing",
	StateInstalled:     "installed",
	StateInstallFailed: "install-failed",
	StateActivating:    "activating",
	StateActivated:     "activated",
	StateTerminated:    "terminated",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrInvalidState 表示当前状态不允许该生命周期操作。
var ErrInvalidState = errors.New("invalid lifecycle transition")
