package cmn

import "fmt"

// Assert panics if cond is false. It is used for internal invariants only
// ("a pointer this package handed out must resolve"), never to validate
// data arriving over the network or from disk.
func Assert(cond bool, args ...interface{}) {
	if cond {
		return
	}
	if len(args) == 0 {
		panic("assertion failed")
	}
	panic(fmt.Sprint(args...))
}

// Assertf is Assert with a format string.
func Assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}
