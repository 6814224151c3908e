package packages

import (
	"errors"
	"fmt"

	"github.com/germanamz/evalhost/pkg/evaluation"
)

// Session names used by the package manager.
const (
	SessionREPL           = "REPL"
	SessionPackageManager = "PackageManager"
)

// Package describes an installed or available package.
type Package struct {
	Name             string `json:"Package"`
	Version          string `json:"Version"`
	LibPath          string `json:"LibPath,omitempty"`
	Title            string `json:"Title,omitempty"`
	Description      string `json:"Description,omitempty"`
	Depends          string `json:"Depends,omitempty"`
	Imports          string `json:"Imports,omitempty"`
	License          string `json:"License,omitempty"`
	Repository       string `json:"Repository,omitempty"`
	Built            string `json:"Built,omitempty"`
	NeedsCompilation string `json:"NeedsCompilation,omitempty"`
	Installed        bool   `json:"installed,omitempty"`
	Loaded           bool   `json:"loaded,omitempty"`
}

// LockState tells whether a package's files can be replaced.
type LockState string

const (
	Unlocked       LockState = "Unlocked"
	LockedByEngine LockState = "LockedByEngine"
	LockedByOther  LockState = "LockedByOther"
)

// Settings are applied to the package manager session before every
// background query.
type Settings struct {
	RepositoryMirror string
	CodePage         int
}

var (
	// ErrTransport is matched by errors caused by a lost engine connection.
	ErrTransport = errors.New("packages: engine disconnected")
	// ErrEvaluation is matched by errors the engine raised while evaluating.
	ErrEvaluation = errors.New("packages: evaluation failed")
)

// Error is the only error kind the package manager returns for engine
// failures. Kind is ErrTransport or ErrEvaluation.
type Error struct {
	Op      string
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("packages: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// normalize maps engine errors onto *Error. Context errors and other
// failures that did not come from the engine are wrapped as they are.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}

	if evaluation.IsTransport(err) {
		return &Error{Op: op, Kind: ErrTransport, Message: "lost connection to the engine, reconnect and try again"}
	}
	if f, ok := evaluation.AsFault(err); ok {
		return &Error{Op: op, Kind: ErrEvaluation, Message: f.Message}
	}

	return fmt.Errorf("packages: %s: %w", op, err)
}
