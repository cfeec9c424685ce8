package auth

import "errors"

// Level is the privilege an endpoint requires.
type Level int

const (
	LevelRead    Level = iota // status queries; never token-protected
	LevelControl              // mutating pool commands
	LevelAdmin                // reset and log access
)

func (l Level) String() string {
	switch l {
	case LevelControl:
		return "control"
	case LevelAdmin:
		return "admin"
	default:
		return "read"
	}
}

var (
	ErrMissingToken       = errors.New("auth: bearer token required")
	ErrInvalidCredentials = errors.New("auth: invalid token")
	ErrAdminDisabled      = errors.New("auth: admin token not configured")
)

// Result is stored in the request context after a successful check.
type Result struct {
	Level Level `json:"level"`
}
