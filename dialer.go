package dispatch

import (
	"github.com/frankli0324/go-dispatch/dialer"
)

type CoreDialer = dialer.CoreDialer
