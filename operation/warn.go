package operation

// LevelWarning is the log level of events emitted for warnings.
const LevelWarning = "warning"

// Warned is a successful result that also carries warnings, such as use of a deprecated
// parameter. The registry reports each warning as a log event and returns Result as the
// response payload.
type Warned struct {
	Result   any
	Warnings []string
}

// Warn wraps result so it is returned with warnings attached.
func Warn(result any, warnings ...string) *Warned {
	return &Warned{Result: result, Warnings: warnings}
}
