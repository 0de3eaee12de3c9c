package main

import "fmt"

// stringerf adapts a fmt.Sprintf call to the fmt.Stringer the
// progress package's Describe/Finish expect, the way the teacher's
// own progress bar callers format a fresh message per update rather
// than pre-building one.
type stringerMsg string

func (s stringerMsg) String() string { return string(s) }

func stringerf(format string, args ...interface{}) stringerMsg {
	return stringerMsg(fmt.Sprintf(format, args...))
}
