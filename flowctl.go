package interconnect

// flowPolicy decides whether a connection may put another packet in flight.
// Both policies also enforce the per-connection credit kept on sendConn.
type flowPolicy interface {
	kind() FlowControl
	admit(c *sendConn) bool
	onSent(c *sendConn)
	onAcked(c *sendConn, n int)
	forget(n int) // in-flight packets dropped without an ack
	onLoss()
}

func newFlowPolicy(kind FlowControl, cfg *Config) flowPolicy {
	if kind == FlowLoss {
		return &lossFlow{
			cwnd:     cfg.InitialCwnd,
			ssthresh: cfg.MaxCwnd,
			minCwnd:  cfg.MinCwnd,
			maxCwnd:  cfg.MaxCwnd,
		}
	}
	return capacityFlow{}
}

// capacityFlow admits while the receiver has granted credit.
type capacityFlow struct{}

func (capacityFlow) kind() FlowControl { return FlowCapacity }

func (capacityFlow) admit(c *sendConn) bool { return c.capacity > 0 }

func (capacityFlow) onSent(*sendConn) {}

func (capacityFlow) onAcked(*sendConn, int) {}

func (capacityFlow) forget(int) {}

func (capacityFlow) onLoss() {}

// lossFlow shares one congestion window across every connection of a
// transport. A connection with nothing in flight is always admitted.
type lossFlow struct {
	cwnd        float64
	ssthresh    float64
	minCwnd     float64
	maxCwnd     float64
	outstanding int
}

func (f *lossFlow) kind() FlowControl { return FlowLoss }

func (f *lossFlow) admit(c *sendConn) bool {
	if c.capacity <= 0 {
		return false
	}
	return c.unackQ.length == 0 || float64(f.outstanding) < f.cwnd
}

func (f *lossFlow) onSent(*sendConn) { f.outstanding++ }

func (f *lossFlow) onAcked(_ *sendConn, n int) {
	f.forget(n)
	for i := 0; i < n; i++ {
		if f.cwnd < f.ssthresh {
			f.cwnd++
		} else {
			f.cwnd += 1 / f.cwnd
		}
	}
	if f.cwnd > f.maxCwnd {
		f.cwnd = f.maxCwnd
	}
}

func (f *lossFlow) forget(n int) {
	f.outstanding -= n
	if f.outstanding < 0 {
		f.outstanding = 0
	}
}

func (f *lossFlow) onLoss() {
	f.ssthresh = f.cwnd / 2
	if f.ssthresh < f.minCwnd {
		f.ssthresh = f.minCwnd
	}
	f.cwnd = f.ssthresh
}
