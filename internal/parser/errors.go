package parser

import "errors"

var (
	// ErrNeedMoreData means the window ends inside an element. Call Parse
	// again once more bytes have arrived.
	ErrNeedMoreData = errors.New("need more data")
	// ErrParse means the stream is structurally broken. It is sticky: every
	// later Parse call returns it too.
	ErrParse = errors.New("parse error")
)
