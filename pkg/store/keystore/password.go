package keystore

import "errors"

var ErrPasswordRequired = errors.New("store/keystore: password required")

// A secret is a private piece of information that unlocks
// protected data or resources, and can include passwords,
// but also other types of sensitive data.

// Passwords authorize TPM hierarchies and keys. Implementations
// decide where the secret lives; callers only ask for its bytes
// at the moment a command needs them.
type Password interface {
	String() (string, error)
	Bytes() ([]byte, error)
}

type ClearPassword struct {
	password []byte
}

// Creates a new clear text password stored in memory
func NewClearPassword(password []byte) Password {
	return ClearPassword{password: password}
}

// Creates a new clear text password stored in memory from a string
func NewClearPasswordFromString(password string) Password {
	return ClearPassword{password: []byte(password)}
}

// Returns the password as a string
func (p ClearPassword) String() (string, error) {
	return string(p.password), nil
}

// Returns the password as bytes
func (p ClearPassword) Bytes() ([]byte, error) {
	return p.password, nil
}

type RequiredPassword struct{}

// Creates a secret that always returns ErrPasswordRequired
func NewRequiredPassword() Password {
	return RequiredPassword{}
}

// Returns ErrPasswordRequired
func (p RequiredPassword) String() (string, error) {
	return "", ErrPasswordRequired
}

// Returns ErrPasswordRequired
func (p RequiredPassword) Bytes() ([]byte, error) {
	return nil, ErrPasswordRequired
}
