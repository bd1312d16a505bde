package debughelper

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// TraceCaller reports the frame that called the function invoking TraceCaller.
func TraceCaller() string {
	pc, file, line, ok := runtime.Caller(2)
	if !ok {
		return "???"
	}
	short := filepath.Base(file)
	fn := runtime.FuncForPC(pc).Name()
	return fmt.Sprintf("trace: %s:%d (%s)", short, line, fn)
}
