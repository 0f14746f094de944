package operation

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"os"
	"os/exec"

	"github.com/guseggert/workerhost/protocol"
)

// Classify maps err onto the error taxonomy. A *protocol.Error anywhere in the chain is
// returned as is.
func Classify(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}

	code := protocol.CodeUnknown
	var (
		netErr    net.Error
		opErr     *net.OpError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		code = protocol.CodeTimeout
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		code = protocol.CodeNotFound
	case errors.Is(err, fs.ErrExist):
		code = protocol.CodeAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		code = protocol.CodePermissionDenied
	case errors.Is(err, errors.ErrUnsupported):
		code = protocol.CodeNotSupported
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		code = protocol.CodeInvalidParameter
	case errors.As(err, &netErr) && netErr.Timeout():
		code = protocol.CodeTimeout
	case errors.As(err, &opErr):
		code = protocol.CodeNetwork
	}
	return &protocol.Error{Code: code, Message: err.Error()}
}

// InvalidParameter returns an error for a payload that cannot be used.
func InvalidParameter(format string, args ...any) *protocol.Error {
	return protocol.Errorf(protocol.CodeInvalidParameter, format, args...)
}

// Decode unmarshals payload into v, reporting failures as invalid parameters.
// An empty payload leaves v untouched.
func Decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return InvalidParameter("decoding payload: %s", err)
	}
	return nil
}
