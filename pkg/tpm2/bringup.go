package tpm2

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/uuid"
	"github.com/jeremyhahn/go-tpm-utility/pkg/logging"
	"github.com/jeremyhahn/go-tpm-utility/pkg/metrics"
)

// TPM_PT_STARTUP_CLEAR and its phEnable attribute
const (
	ptStartupClear = tpm2.TPMPT(0x00000201)
	phEnable       = uint32(0x00000001)
)

var (
	ErrBringupClosed    = errors.New("tpm2: platform bring-up closed")
	ErrPlatformDisabled = errors.New("tpm2: platform hierarchy disabled")
)

// BringupState is the position of the platform hierarchy in the
// bring-up sequence.
type BringupState int

const (
	Uninitialized BringupState = iota
	PlatformBootstrapped
	PlatformDisabled
)

func (s BringupState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case PlatformBootstrapped:
		return "platform-bootstrapped"
	case PlatformDisabled:
		return "platform-disabled"
	}
	return "unknown"
}

// BringupStep is a single platform-authorized command in the bring-up
// sequence.
type BringupStep int

const (
	StepNone BringupStep = iota
	StepReadStartupClear
	StepSetPlatformAuthorization
	StepSetGlobalWriteLock
	StepDisablePlatformHierarchy
)

func (s BringupStep) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepReadStartupClear:
		return "ReadStartupClear"
	case StepSetPlatformAuthorization:
		return "SetPlatformAuthorization"
	case StepSetGlobalWriteLock:
		return "SetGlobalWriteLock"
	case StepDisablePlatformHierarchy:
		return "DisablePlatformHierarchy"
	}
	return "unknown"
}

// BringupError reports the step that failed and the state the platform
// hierarchy was left in. Completed steps are not rolled back.
type BringupError struct {
	Step  BringupStep
	State BringupState
	Err   error
}

func (e *BringupError) Error() string {
	return fmt.Sprintf("tpm2: platform bring-up failed at %s (state %s): %s",
		e.Step, e.State, e.Err)
}

func (e *BringupError) Unwrap() error {
	return e.Err
}

// Bringup drives the platform hierarchy from Uninitialized to
// PlatformDisabled. The platform authorization is a random value generated
// for this object alone; it is used by the remaining steps and wiped by
// Close. After a failure, Resume continues from the failed step without
// repeating the ones that completed.
type Bringup struct {
	commands  CommandFactory
	logger    *logging.Logger
	id        string
	state     BringupState
	completed BringupStep
	auth      []byte
	closed    bool
}

func newBringup(commands CommandFactory, logger *logging.Logger) *Bringup {
	id := uuid.New().String()
	return &Bringup{
		commands: commands,
		logger:   logger.With(slog.String("bringup", id)),
		id:       id,
	}
}

func (b *Bringup) ID() string {
	return b.id
}

func (b *Bringup) State() BringupState {
	return b.state
}

// Completed returns the last step that succeeded.
func (b *Bringup) Completed() BringupStep {
	return b.completed
}

// Run executes the sequence from the beginning. When the platform
// hierarchy is already disabled no platform command is issued.
func (b *Bringup) Run() error {
	if b.closed {
		return ErrBringupClosed
	}

	value, err := b.commands.GetCapabilityProperty(ptStartupClear)
	if err != nil {
		return b.fail(StepReadStartupClear, err)
	}
	if value&phEnable == 0 {
		b.logger.Info("tpm: platform hierarchy already disabled")
		b.state = PlatformDisabled
		metrics.SetPlatformDisabled(true)
		return nil
	}
	return b.Resume()
}

// Resume executes the steps following the last completed one.
func (b *Bringup) Resume() error {
	if b.closed {
		return ErrBringupClosed
	}
	if b.state == PlatformDisabled {
		return nil
	}

	if b.completed < StepSetPlatformAuthorization {
		if err := b.setPlatformAuthorization(); err != nil {
			return b.fail(StepSetPlatformAuthorization, err)
		}
		b.completed = StepSetPlatformAuthorization
	}

	delegate := NewPasswordDelegate(b.auth)

	if b.completed < StepSetGlobalWriteLock {
		if err := b.setGlobalWriteLock(delegate); err != nil {
			return b.fail(StepSetGlobalWriteLock, err)
		}
		b.completed = StepSetGlobalWriteLock
		b.state = PlatformBootstrapped
	}

	if b.completed < StepDisablePlatformHierarchy {
		if err := b.disablePlatformHierarchy(delegate); err != nil {
			return b.fail(StepDisablePlatformHierarchy, err)
		}
		b.completed = StepDisablePlatformHierarchy
		b.state = PlatformDisabled
		metrics.SetPlatformDisabled(true)
		b.logger.Security(logging.SecurityLogEntry{
			Severity:    logging.SeverityLow,
			Category:    logging.CategoryAccessControl,
			Description: "platform hierarchy disabled",
			Details:     "platform hierarchy disabled until the next TPM reset",
			Source:      logging.SourceTPM,
		})
	}

	return nil
}

// Close wipes the platform authorization.
func (b *Bringup) Close() {
	for i := range b.auth {
		b.auth[i] = 0
	}
	b.auth = nil
	b.closed = true
}

func (b *Bringup) setPlatformAuthorization() error {
	b.logger.Debug("tpm: setting platform authorization")
	auth := make([]byte, platformAuthSize)
	if _, err := rand.Read(auth); err != nil {
		return err
	}
	if err := b.commands.HierarchyChangeAuth(tpm2.TPMRHPlatform, tpm2.PasswordAuth(nil), auth); err != nil {
		return err
	}
	b.auth = auth
	return nil
}

func (b *Bringup) setGlobalWriteLock(delegate AuthorizationDelegate) error {
	b.logger.Debug("tpm: setting NV global write lock")
	password, err := delegatePassword(delegate)
	if err != nil {
		return err
	}
	return b.commands.NVGlobalWriteLock(tpm2.TPMRHPlatform, password)
}

func (b *Bringup) disablePlatformHierarchy(delegate AuthorizationDelegate) error {
	b.logger.Debug("tpm: disabling platform hierarchy")
	password, err := delegatePassword(delegate)
	if err != nil {
		return err
	}
	return b.commands.HierarchyControl(tpm2.TPMRHPlatform, password, tpm2.TPMRHPlatform, false)
}

func (b *Bringup) fail(step BringupStep, err error) error {
	b.logger.Error(err,
		slog.String("step", step.String()),
		slog.String("state", b.state.String()))
	return &BringupError{
		Step:  step,
		State: b.state,
		Err:   err,
	}
}

// InitializeTpm performs the platform bring-up: sets a random platform
// authorization, sets the NV global write lock and disables the platform
// hierarchy for the rest of the boot session. A platform hierarchy that
// is already disabled is left untouched.
func (u *DefaultUtility) InitializeTpm() error {
	b, err := u.InitializeTpmWithBringup()
	b.Close()
	return err
}

// InitializeTpmWithBringup runs InitializeTpm and returns the bring-up
// object so a caller can inspect a partial failure and Resume it. The
// returned Bringup must be closed.
func (u *DefaultUtility) InitializeTpmWithBringup() (*Bringup, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	b := newBringup(u.commands, u.logger)
	return b, u.bringupDone(b, b.Run())
}

// ResumeBringup continues a failed bring-up under the utility lock.
func (u *DefaultUtility) ResumeBringup(b *Bringup) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.bringupDone(b, b.Resume())
}

// bringupDone records a disabled platform hierarchy and classifies a
// bring-up failure by the failed command.
func (u *DefaultUtility) bringupDone(b *Bringup, err error) error {
	if b.State() == PlatformDisabled {
		u.platformDisabled = true
	}
	var be *BringupError
	if errors.As(err, &be) {
		err = &Error{
			Op:   "InitializeTpm",
			Code: Code(be.Err),
			Err:  be,
		}
	}
	return u.done("InitializeTpm", err)
}
