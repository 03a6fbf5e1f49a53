package apperror

// Errno is the endpoint node's stable numeric error code, returned in the
// JSON error body alongside the HTTP status. Numbering follows the scheme
// referenced by the original implementation's error modules.
type Errno int

const (
	ErrnoInvalidToken      Errno = 101
	ErrnoNoUser            Errno = 102
	ErrnoInvalidAPIVersion Errno = 103
	ErrnoTooMuchData       Errno = 104
	ErrnoInvalidMessageID  Errno = 105
	ErrnoNoSubscription    Errno = 106
	ErrnoDatabaseError     Errno = 201
	ErrnoUpstreamError     Errno = 202
)

// HTTPError is the wire body the endpoint node renders for a failed request.
type HTTPError struct {
	Code     int    `json:"code"`
	Errno    Errno  `json:"errno"`
	Error    string `json:"error"`
	MoreInfo string `json:"more_info,omitempty"`
}

// errnoTable maps a Kind to its HTTP status and errno for the endpoint node.
var errnoTable = map[Kind]struct {
	status int
	errno  Errno
}{
	KindInvalidToken:      {400, ErrnoInvalidToken},
	KindInvalidAPIVersion: {400, ErrnoInvalidAPIVersion},
	KindInvalidMessageID:  {400, ErrnoInvalidMessageID},
	KindTooMuchData:       {413, ErrnoTooMuchData},
	KindNoUser:            {410, ErrnoNoUser},
	KindNoSubscription:    {410, ErrnoNoSubscription},
	KindDatabase:          {500, ErrnoDatabaseError},
	KindUpstream:          {502, ErrnoUpstreamError},
	KindUserNotConnected:  {404, 0},
}

// ToHTTPError renders err (or a generic 500) into the endpoint node's JSON
// error envelope.
func ToHTTPError(err error) HTTPError {
	kind, ok := KindOf(err)
	if !ok {
		return HTTPError{Code: 500, Error: "internal error"}
	}
	row, known := errnoTable[kind]
	if !known {
		return HTTPError{Code: 500, Errno: 0, Error: string(kind)}
	}
	msg := err.Error()
	return HTTPError{Code: row.status, Errno: row.errno, Error: msg}
}

// WSClose is the numeric WebSocket close code plus the short description
// the connection node's session layer reports, matching the named codes the
// original server uses ("Normal", "Unsupported", "Error").
type WSClose struct {
	Code        int
	Description string
}

var (
	wsCloseNormal      = WSClose{Code: 1000, Description: ""}
	wsCloseGhost       = WSClose{Code: 1000, Description: "Ghost"}
	wsCloseUnsupported = WSClose{Code: 1003, Description: "Unsupported"}
	wsCloseError       = WSClose{Code: 1008, Description: "Error"}
	wsCloseTooBig      = WSClose{Code: 1009, Description: "TooMuchData"}
)

// wsCloseTable maps a Kind to the close code the connection node sends when
// tearing a session down for that reason.
var wsCloseTable = map[Kind]WSClose{
	KindGhost:              wsCloseGhost,
	KindUaidReset:          wsCloseNormal,
	KindUnsupportedMessage: wsCloseUnsupported,
	KindTooMuchData:        wsCloseTooBig,
	KindInvalidMessage:     wsCloseError,
	KindJSON:               wsCloseError,
	KindHandshakeTimeout:   wsCloseError,
	KindPongTimeout:        wsCloseError,
	KindExcessivePing:      wsCloseError,
	KindDatabase:           wsCloseError,
	KindUpstream:           wsCloseError,
}

// CloseCodeFor renders err into the close code the session layer should
// send; an err that carries no Kind (including nil) closes Normal, matching
// a clean client-initiated disconnect, and a Kind missing from the table
// closes Error.
func CloseCodeFor(err error) WSClose {
	kind, ok := KindOf(err)
	if !ok {
		return wsCloseNormal
	}
	if wc, known := wsCloseTable[kind]; known {
		return wc
	}
	return wsCloseError
}
