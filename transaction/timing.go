package transaction

import (
	"encoding/json"
	"time"

	"braces.dev/errtrace"
)

// Default values for SIP timers as described in RFC 3261.
const (
	// T1 is the message RTT estimate.
	T1 = 500 * time.Millisecond
	// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
	T2 = 4 * time.Second
	// T4 is the maximum duration a message will remain in the network.
	T4 = 5 * time.Second
	// TimeD is the wait duration for response retransmits via unreliable transport.
	TimeD = 32 * time.Second
	// Time100 is the delay of the automatic 100 Trying response on INVITE.
	Time100 = 200 * time.Millisecond
)

// TimingConfig represents SIP timing config.
// Zero value uses default base values [T1], [T2], [T4], [TimeD], [Time100].
// All other timings are calculated from these base values.
type TimingConfig struct {
	t1, t2, t4,
	timeD,
	time100 time.Duration
}

// NewTimings creates a new SIP timing config with specified base values.
// Zero values are replaced with defaults.
func NewTimings(t1, t2, t4, timeD, time100 time.Duration) TimingConfig {
	return TimingConfig{t1, t2, t4, timeD, time100}
}

// T1 is the message RTT estimate.
func (c TimingConfig) T1() time.Duration {
	if c.t1 <= 0 {
		return T1
	}
	return c.t1
}

// T2 is the maximum retransmit interval for non-INVITE requests and INVITE responses.
func (c TimingConfig) T2() time.Duration {
	if c.t2 <= 0 {
		return T2
	}
	return c.t2
}

// T4 is the maximum duration a message will remain in the network.
func (c TimingConfig) T4() time.Duration {
	if c.t4 <= 0 {
		return T4
	}
	return c.t4
}

// Time100 is the delay of the automatic 100 Trying response on INVITE.
func (c TimingConfig) Time100() time.Duration {
	if c.time100 <= 0 {
		return Time100
	}
	return c.time100
}

// TimeA returns initial INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeA() time.Duration { return c.T1() }

// TimeB returns INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeB() time.Duration { return 64 * c.T1() }

// TimeD returns the wait duration for response retransmits in the Completed state
// of client INVITE transaction. It is zero for reliable transports.
func (c TimingConfig) TimeD(reliable bool) time.Duration {
	switch {
	case reliable:
		return 0
	case c.timeD <= 0:
		return TimeD
	default:
		return c.timeD
	}
}

// TimeE returns initial non-INVITE request retransmit interval for unreliable transport.
func (c TimingConfig) TimeE() time.Duration { return c.T1() }

// TimeF returns non-INVITE client transaction timeout, 64*T1.
func (c TimingConfig) TimeF() time.Duration { return 64 * c.T1() }

// TimeG returns initial INVITE response retransmit interval.
func (c TimingConfig) TimeG() time.Duration { return c.T1() }

// TimeH returns timeout for ACK receipt, 64*T1.
func (c TimingConfig) TimeH() time.Duration { return 64 * c.T1() }

// TimeI returns wait duration for ACK retransmits. It is zero for reliable transports.
func (c TimingConfig) TimeI(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.T4()
}

// TimeJ returns wait duration for non-INVITE request retransmits. It is zero for reliable transports.
func (c TimingConfig) TimeJ(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return 64 * c.T1()
}

// TimeK returns wait duration for response retransmits. It is zero for reliable transports.
func (c TimingConfig) TimeK(reliable bool) time.Duration {
	if reliable {
		return 0
	}
	return c.T4()
}

// NextRetransmit returns the retransmit interval that follows prev: min(2*prev, T2).
func (c TimingConfig) NextRetransmit(prev time.Duration) time.Duration {
	return min(2*prev, c.T2())
}

// RetransmitSchedule returns the offsets from the first transmission at which
// a retransmit timer starting at T1 fires before total elapses.
// The interval doubles after each firing and is capped at T2.
func (c TimingConfig) RetransmitSchedule(total time.Duration) []time.Duration {
	var (
		out      []time.Duration
		interval = c.T1()
		at       = interval
	)
	for at < total {
		out = append(out, at)
		interval = c.NextRetransmit(interval)
		at += interval
	}
	return out
}

func (c TimingConfig) IsZero() bool {
	return c.t1 == 0 && c.t2 == 0 && c.t4 == 0 && c.timeD == 0 && c.time100 == 0
}

type timingConfData struct {
	T1      time.Duration `json:"t1,omitempty"`
	T2      time.Duration `json:"t2,omitempty"`
	T4      time.Duration `json:"t4,omitempty"`
	TimeD   time.Duration `json:"time_d,omitempty"`
	Time100 time.Duration `json:"time_100,omitempty"`
}

func (c TimingConfig) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(timingConfData{
		T1:      c.t1,
		T2:      c.t2,
		T4:      c.t4,
		TimeD:   c.timeD,
		Time100: c.time100,
	}))
}

func (c *TimingConfig) UnmarshalJSON(data []byte) error {
	var d timingConfData
	if err := json.Unmarshal(data, &d); err != nil {
		return errtrace.Wrap(err)
	}
	*c = TimingConfig{d.T1, d.T2, d.T4, d.TimeD, d.Time100}
	return nil
}
