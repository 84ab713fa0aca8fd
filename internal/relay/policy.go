package relay

import (
	"sync/atomic"
	"time"
)

const (
	ModeForward = "forward"
	ModeCopy    = "copy"

	defaultCallTimeout = 10 * time.Second
)

// Policy controls how a plain message is delivered to destinations.
type Policy struct {
	Mode        string        // ModeForward (default) or ModeCopy
	CallTimeout time.Duration // per destination; default 10s
	Concurrency int           // <= 1 keeps stored destination order
}

func (p Policy) normalized() Policy {
	if p.Mode != ModeCopy {
		p.Mode = ModeForward
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = defaultCallTimeout
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	return p
}

// SharedPolicy is read by every router on each message and replaced on
// config reload.
type SharedPolicy struct {
	v atomic.Pointer[Policy]
}

func NewSharedPolicy(p Policy) *SharedPolicy {
	s := &SharedPolicy{}
	s.Set(p)
	return s
}

func (s *SharedPolicy) Set(p Policy) {
	p = p.normalized()
	s.v.Store(&p)
}

func (s *SharedPolicy) Get() Policy {
	if s == nil {
		return Policy{}.normalized()
	}
	if p := s.v.Load(); p != nil {
		return *p
	}
	return Policy{}.normalized()
}
