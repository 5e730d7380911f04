package controller

import "time"

// PollPolicyKind tags the PollPolicy sum type.
type PollPolicyKind int

const (
	PollAdaptive PollPolicyKind = iota
	PollFixed
	PollNone
)

// PollPolicy is one of AdaptivePolling{rx_interval,tx_interval}, FixedPolling{d},
// or NoPolling (spec.md §4.5).
type PollPolicy struct {
	Kind        PollPolicyKind
	RxInterval  time.Duration
	TxInterval  time.Duration
	FixedDelay  time.Duration
}

func NewAdaptivePolling(rx, tx time.Duration) PollPolicy {
	return PollPolicy{Kind: PollAdaptive, RxInterval: rx, TxInterval: tx}
}

func NewFixedPolling(d time.Duration) PollPolicy {
	return PollPolicy{Kind: PollFixed, FixedDelay: d}
}

func NewNoPolling() PollPolicy { return PollPolicy{Kind: PollNone} }

// intervalFor returns the poll interval to use given whether the rig is
// currently transmitting; a zero duration plus ok=false means "don't poll".
func (p PollPolicy) intervalFor(transmitting bool) (time.Duration, bool) {
	switch p.Kind {
	case PollAdaptive:
		if transmitting {
			return p.TxInterval, true
		}
		return p.RxInterval, true
	case PollFixed:
		return p.FixedDelay, true
	default:
		return 0, false
	}
}
