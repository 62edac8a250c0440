package bull

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

// Stable text codes surfaced to the host so it can render precise messages.
const (
	CodeConnectionFailed = "connection_failed"
	CodeInvalidResponse  = "invalid_response"
	CodeInvalidToken     = "invalid_token"
	CodeLoginRequired    = "login_required"
	CodeWrongUsername    = "wrong_user"
	CodeWrongPassword    = "wrong_pwd"
	CodeLoginError       = "login_error"
	CodeVendorError      = "vendor_error"
)

func connectionFailed(path string, err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "request "+path+" failed").
		WithTextCode(CodeConnectionFailed)
}

func invalidResponse(path string, err error) error {
	return goerrors.Wrap(err, goerrors.CategoryExternal, "invalid JSON response for "+path).
		WithTextCode(CodeInvalidResponse)
}

func invalidToken(path string) error {
	return goerrors.New("access token rejected by "+path, goerrors.CategoryAuth).
		WithTextCode(CodeInvalidToken)
}

func loginRequired(path string) error {
	return goerrors.New("session expired at "+path, goerrors.CategoryAuth).
		WithTextCode(CodeLoginRequired).
		WithCode(codeLoginRequired)
}

func loginFailed(env *Envelope) error {
	textCode := CodeLoginError
	switch env.Code {
	case codeWrongUser:
		textCode = CodeWrongUsername
	case codeWrongPassword:
		textCode = CodeWrongPassword
	}
	return goerrors.New(fmt.Sprintf("login rejected: %s", env.Message), goerrors.CategoryAuth).
		WithTextCode(textCode).
		WithCode(int(env.Code))
}

// vendorError surfaces a failed envelope that carries no session signal.
func vendorError(op string, env *Envelope) error {
	return goerrors.New(fmt.Sprintf("%s: vendor error %d: %s", op, env.Code, env.Message), goerrors.CategoryOperation).
		WithTextCode(CodeVendorError).
		WithCode(int(env.Code))
}

// ErrorCode returns the stable text code carried by err, or "" when err was
// not produced by this package.
func ErrorCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode
	}
	return ""
}

func hasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

func IsConnectionFailed(err error) bool { return hasCode(err, CodeConnectionFailed) }

func IsInvalidResponse(err error) bool { return hasCode(err, CodeInvalidResponse) }

func IsInvalidToken(err error) bool { return hasCode(err, CodeInvalidToken) }

func IsLoginRequired(err error) bool { return hasCode(err, CodeLoginRequired) }

// VendorCode returns the vendor's numeric code for a failed envelope error.
func VendorCode(err error) (int, bool) {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich.TextCode == CodeVendorError {
		return rich.Code, true
	}
	return 0, false
}
