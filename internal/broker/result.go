package broker

import "fmt"

// Retcode mirrors the terminal's trade return codes, reduced to the set the
// copier's retry policy keys off.
type Retcode int

const (
	RetcodeDone          Retcode = 10009
	RetcodeRequote       Retcode = 10004
	RetcodePriceOff      Retcode = 10021
	RetcodeNoResponse    Retcode = 0
	RetcodeInvalidStops  Retcode = 10016
	RetcodeInvalidVolume Retcode = 10014
	RetcodeNoMoney       Retcode = 10019
	RetcodeMarketClosed  Retcode = 10018
	RetcodeRejected      Retcode = 10006
)

// Retryable reports whether the code is worth another in-place attempt.
// Everything else is a definitive rejection.
func (c Retcode) Retryable() bool {
	switch c {
	case RetcodeRequote, RetcodePriceOff, RetcodeNoResponse:
		return true
	}
	return false
}

func (c Retcode) String() string {
	switch c {
	case RetcodeDone:
		return "done"
	case RetcodeRequote:
		return "requote"
	case RetcodePriceOff:
		return "price off"
	case RetcodeNoResponse:
		return "no response"
	case RetcodeInvalidStops:
		return "invalid stops"
	case RetcodeInvalidVolume:
		return "invalid volume"
	case RetcodeNoMoney:
		return "insufficient margin"
	case RetcodeMarketClosed:
		return "market closed"
	case RetcodeRejected:
		return "rejected"
	}
	return fmt.Sprintf("retcode %d", int(c))
}

// Result is the structured outcome of an order action.
type Result struct {
	Retcode Retcode
	Ticket  int64
	Price   float64
	Profit  float64
	Comment string
}

// OK reports whether the action was accepted by the broker.
func (r Result) OK() bool {
	return r.Retcode == RetcodeDone
}

// RejectError marks a definitive broker rejection. Actions failing with it
// must not be retried.
type RejectError struct {
	Op     string
	Result Result
}

func (e *RejectError) Error() string {
	if e.Result.Comment != "" {
		return fmt.Sprintf("%s rejected: %s (%s)", e.Op, e.Result.Retcode, e.Result.Comment)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Result.Retcode)
}
