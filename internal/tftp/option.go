package tftp

import (
	"strconv"
	"time"
)

// Recognized option names (RFC 2348/2349). Lowercase on the wire.
const (
	optBlockSize    = "blksize"
	optTimeout      = "timeout"
	optTransferSize = "tsize"
)

// defaultTimeoutPolicy is the per-retry wait sequence used when the
// peer does not negotiate a timeout: wait 1s, retransmit, wait 3s,
// retransmit, wait 5s, give up.
var defaultTimeoutPolicy = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// acceptOptions walks the requested options in order and keeps the ones
// we recognize and can honor. Invalid or out-of-range values are dropped
// silently; the peer falls back to the default for that option alone.
// Unrecognized names are ignored entirely.
//
// sourceSize, when non-nil, resolves a tsize=0 probe on a read-direction
// transfer to the actual size of the source. A probe against a source of
// unknown size drops the option.
func acceptOptions(requested Options, sourceSize func() (int64, bool)) Options {
	var accepted Options
	for _, opt := range requested {
		switch opt.Name {
		case optBlockSize:
			if v, err := strconv.Atoi(opt.Value); err == nil && v >= MinBlockSize && v <= MaxBlockSize {
				accepted = append(accepted, opt)
			}
		case optTimeout:
			if v, err := strconv.Atoi(opt.Value); err == nil && v >= 1 && v <= 255 {
				accepted = append(accepted, opt)
			}
		case optTransferSize:
			v, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil || v < 0 {
				continue
			}
			if v == 0 && sourceSize != nil {
				size, known := sourceSize()
				if !known {
					continue
				}
				opt.Value = strconv.FormatInt(size, 10)
			}
			accepted = append(accepted, opt)
		}
	}
	return accepted
}

// applyOptions reconfigures a transfer engine with a set of accepted
// options. A negotiated timeout replaces the whole policy with that
// value repeated to the default policy's length.
func applyOptions(e engine, accepted Options) {
	for _, opt := range accepted {
		switch opt.Name {
		case optBlockSize:
			v, _ := strconv.Atoi(opt.Value)
			e.setBlockSize(v)
		case optTimeout:
			v, _ := strconv.Atoi(opt.Value)
			policy := make([]time.Duration, len(defaultTimeoutPolicy))
			for i := range policy {
				policy[i] = time.Duration(v) * time.Second
			}
			e.setTimeoutPolicy(policy)
		case optTransferSize:
			v, _ := strconv.ParseInt(opt.Value, 10, 64)
			e.setTransferSize(v)
		}
	}
}
