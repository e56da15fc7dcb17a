package dispatch

import (
	"github.com/frankli0324/go-dispatch/internal/model"
)

type Header = model.Header
type Headers = model.Headers
type QueryParam = model.QueryParam
type Request = model.Request
type Response = model.Response

// HTTPError is returned for responses with a status of 300 and above,
// match it with [errors.As].
type HTTPError = model.HTTPError

// ErrRedirectLoop is wrapped by the error returned when a request is
// redirected more than [Config].MaxRedirects times.
var ErrRedirectLoop = model.ErrRedirectLoop
