package zkgrid

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"time"

	"github.com/glycerine/idem"
)

// retryPacer spaces out the facade's retries of transient
// ZooKeeper errors. Delays follow the decorrelated-jitter
// scheme: each pause is drawn uniformly from
// [floor, 3*previous], capped at ceil. Every member of the
// cluster retries against the same ensemble when it
// flaps, so the draws must not march in lockstep.
//
// A pacer lives for one facade operation and is not
// goroutine safe; every retried call makes its own, so the
// delay sequence restarts from floor on each fresh call.
type retryPacer struct {
	op    string
	floor time.Duration
	ceil  time.Duration
	prev  time.Duration
	tries int
}

func newRetryPacer(op string) *retryPacer {
	return &retryPacer{
		op:    op,
		floor: 50 * time.Millisecond,
		ceil:  2 * time.Second,
	}
}

// pause blocks until the next attempt should run. It
// returns ErrClientFailed if the client halts while we
// sleep, so a dying session never leaves a retry loop
// dozing in the background.
func (p *retryPacer) pause(halt *idem.Halter, cause error) error {
	span := 3*p.prev - p.floor
	if span <= 0 {
		// first pause: [floor, 2*floor)
		span = p.floor
	}
	d := p.floor + time.Duration(cryptoRandNonNegInt64n(int64(span)))
	if d > p.ceil {
		d = p.ceil
	}
	p.prev = d
	p.tries++

	pp("zk %v: transient error '%v'; retry %v in %v", p.op, cause, p.tries, d)

	select {
	case <-time.After(d):
		return nil
	case <-halt.ReqStop.Chan:
		return ErrClientFailed
	}
}

// cryptoRandNonNegInt64n returns a uniform value in
// [0, n), n > 0, from crypto randomness.
func cryptoRandNonNegInt64n(n int64) int64 {
	var buf [8]byte
	_, err := cryrand.Read(buf[:])
	panicOn(err)
	u := binary.LittleEndian.Uint64(buf[:])
	return int64(u % uint64(n))
}
