package pool

import (
	"errors"

	"github.com/godror/godror"
)

// sessionFatalCodes are ORA codes after which a session is not worth keeping:
// the server side is gone, the session was killed, or the transport broke.
// Everything else is assumed recoverable on the same session.
var sessionFatalCodes = map[int]struct{}{
	28:    {}, // session killed
	600:   {}, // internal error
	1012:  {}, // not logged on
	1033:  {}, // initialization/shutdown in progress
	1089:  {}, // immediate shutdown in progress
	2396:  {}, // exceeded maximum idle time
	3113:  {}, // end-of-file on communication channel
	3114:  {}, // not connected to Oracle
	3135:  {}, // connection lost contact
	12170: {}, // connect timeout
	12541: {}, // no listener
	12571: {}, // packet writer failure
}

// SessionFatal reports whether err means the session it happened on should be
// retired rather than reused.
func SessionFatal(err error) bool {
	var oe *godror.OraErr
	if !errors.As(err, &oe) {
		return false
	}
	_, fatal := sessionFatalCodes[oe.Code()]
	return fatal
}
