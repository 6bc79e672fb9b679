package syncservice

import "github.com/pkg/errors"

// Sentinel errors mirroring the engine's error taxonomy. Each maps to
// one disposition: full sign-out, a retry, or a logged no-op.
var (
	// ErrAuthExpired means FxA rejected the session token (errno 110):
	// the account password was changed elsewhere. Triggers a full
	// local sign-out.
	ErrAuthExpired = errors.New("syncservice: session token invalid, password was changed")

	// ErrNotVerified means the account is pending email confirmation
	// (errno 104). The caller should re-poll /account/keys.
	ErrNotVerified = errors.New("syncservice: account pending email verification")

	// ErrCertInvalid means the certificate/sign response's principal
	// email did not match uid@fxaHost.
	ErrCertInvalid = errors.New("syncservice: certificate principal email mismatch")

	// ErrStorageVersion means meta/global.storageVersion is not the
	// version this core speaks.
	ErrStorageVersion = errors.New("syncservice: unsupported storage version")

	// ErrCredentialsExpired means the Token Server rejected the
	// BrowserID assertion, or the locally cached expiry already
	// passed, after one refresh attempt already failed.
	ErrCredentialsExpired = errors.New("syncservice: storage credentials expired")

	// ErrCancelled is returned to any pending callback whose request
	// was dropped by a sign-out in flight; it is never surfaced to the
	// signal handler.
	ErrCancelled = errors.New("syncservice: cancelled by sign-out")

	// ErrNotSignedIn is returned by any operation that requires an
	// active account when none is signed in.
	ErrNotSignedIn = errors.New("syncservice: not signed in")
)

// fxaError is the JSON error body FxA returns on non-2xx responses.
type fxaError struct {
	Code    int    `json:"code"`
	Errno   int    `json:"errno"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// fxaErrnoAuthExpired and fxaErrnoNotVerified are the FxA errno values
// this core treats specially; every other errno surfaces as a plain
// wrapped error.
const (
	fxaErrnoAuthExpired = 110
	fxaErrnoNotVerified = 104
)

// classifyFxAErrno maps a parsed FxA errno to a sentinel, or nil if no
// special handling applies.
func classifyFxAErrno(errno int) error {
	switch errno {
	case fxaErrnoAuthExpired:
		return ErrAuthExpired
	case fxaErrnoNotVerified:
		return ErrNotVerified
	default:
		return nil
	}
}
