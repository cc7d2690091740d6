package shared

import (
	"errors"
	"net/url"
	"strings"
)

// TokenParam is the query parameter that carries the caller's access token.
const TokenParam = "token"

const redactedValue = "xxxxx"

// RedactURL masks the access token and any userinfo password in raw so the
// result can be logged. Unparseable input loses its whole query.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	if q := u.Query(); q.Has(TokenParam) {
		q.Set(TokenParam, redactedValue)
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

// RedactError hides request URLs carried by err. A top-level *url.Error is
// rebuilt around the redacted URL; a wrapped one is masked in the message
// while errors.Is and errors.As keep working on the chain.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}
	clean := &url.Error{Op: urlErr.Op, URL: RedactURL(urlErr.URL), Err: urlErr.Err}
	if err == error(urlErr) {
		return clean
	}
	return &redactedError{
		msg: strings.ReplaceAll(err.Error(), urlErr.Error(), clean.Error()),
		err: err,
	}
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Unwrap() error { return e.err }
