// Package testrun executes the configured test command for a build and
// summarises its outcome.
//
// With the go-json format the command's stdout is read as a `go test -json`
// event stream and individual test results are counted. With the exit-code
// format only the exit status matters. A failing test suite is reported as a
// Result with StatusFailed; an error is returned only when the command could
// not be run at all or exceeded its timeout.
package testrun
