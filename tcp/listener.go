package tcp

import (
	"log/slog"
	"time"

	"github.com/samkumar/tcp6/internal"
)

// pendingSYN is a half-open connection attempt awaiting an application
// decision, kept only while ListenerCallbacks.Accept returned AcceptDefer.
type pendingSYN struct {
	tuple FourTuple
	seg   Segment
	opts  Options
}

// Listener is a passive TCP listener (component I): it owns no connection
// state machine itself, only the backlog of SYNs awaiting an application
// decision and the registration that routes matching segments to it.
type Listener struct {
	host    Host
	reg     *Registry
	cfg     Config
	cb      ListenerCallbacks
	id      uint64
	tuple   TwoTuple
	backlog int
	pending []pendingSYN
	logger
}

// Listen registers a listener on (addr, port); addr may be the zero
// address to accept connections to any local address. backlog bounds how
// many deferred SYNs may await an application decision at once; a SYN
// arriving once the backlog is full is silently dropped, relying on the
// peer's own SYN retransmission to retry later.
func Listen(host Host, reg *Registry, addr [16]byte, port uint16, cfg Config, cb ListenerCallbacks, backlog int) (*Listener, error) {
	if port == 0 {
		return nil, apiErr("Listen", ErrInvalidArgs, errInvalidField)
	}
	if cb.Accept == nil {
		return nil, apiErr("Listen", ErrInvalidArgs, errInvalidField)
	}
	ln := &Listener{host: host, reg: reg, cfg: cfg, cb: cb, backlog: backlog, tuple: TwoTuple{LocalAddr: addr, LocalPort: port}}
	ln.id = reg.AddListener(ln, ln.tuple)
	return ln, nil
}

// SetLogger attaches structured logging to the listener.
func (ln *Listener) SetLogger(log *slog.Logger) { ln.logger = logger{log: log} }

// LocalTuple reports the address/port this listener is bound to.
func (ln *Listener) LocalTuple() TwoTuple { return ln.tuple }

// Backlogged returns the number of SYNs presently deferred.
func (ln *Listener) Backlogged() int { return len(ln.pending) }

// StopListening removes the listener's registration; no further SYNs will
// reach it. Already-deferred SYNs are discarded without an RST, matching
// a closed listener simply ceasing to exist.
func (ln *Listener) StopListening() {
	ln.reg.RemoveListener(ln.id)
	ln.pending = nil
}

// handleSYN processes an incoming SYN that matched no existing Endpoint,
// asking the application to accept, defer, or refuse it.
func (ln *Listener) handleSYN(tuple FourTuple, seg Segment, opts Options, now time.Time) {
	verdict, ep := ln.cb.Accept(ln, tuple.PeerAddr, tuple.PeerPort)
	switch verdict {
	case AcceptRefuse:
		ln.trace("listener:refuse", internal.SlogAddr16("peer-addr", &tuple.PeerAddr), slog.Uint64("peer-port", uint64(tuple.PeerPort)))
		replyRST(ln.host, tuple, seg)
	case AcceptNow:
		if ep == nil {
			ln.logerr("listener:accept-now-nil-endpoint")
			replyRST(ln.host, tuple, seg)
			return
		}
		ln.complete(tuple, seg, opts, ep)
	default: // AcceptDefer
		ln.queueSYN(tuple, seg, opts)
	}
}

func (ln *Listener) queueSYN(tuple FourTuple, seg Segment, opts Options) {
	if len(ln.pending) >= ln.backlog {
		ln.debug("listener:backlog-full", slog.Int("backlog", ln.backlog))
		return
	}
	ln.pending = append(ln.pending, pendingSYN{tuple: tuple, seg: seg, opts: opts})
}

// Accept completes a previously deferred SYN from (peerAddr, peerPort)
// using ep, a freshly constructed, not-yet-bound *Endpoint. It is an error
// if no deferred SYN from that peer is outstanding.
func (ln *Listener) Accept(peerAddr [16]byte, peerPort uint16, ep *Endpoint) error {
	for i, p := range ln.pending {
		if p.tuple.PeerAddr == peerAddr && p.tuple.PeerPort == peerPort {
			ln.pending = append(ln.pending[:i], ln.pending[i+1:]...)
			ln.complete(p.tuple, p.seg, p.opts, ep)
			return nil
		}
	}
	return apiErr("Accept", ErrInvalidArgs, errConnNotExist)
}

func (ln *Listener) complete(tuple FourTuple, seg Segment, opts Options, ep *Endpoint) {
	ep.reg = ln.reg
	ep.id = ln.reg.AddEndpoint(ep, tuple)
	if err := ep.acceptInto(tuple, seg, opts); err != nil {
		ln.reg.RemoveEndpoint(ep.id)
		ln.logerr("listener:accept-failed", errAttr(err))
		replyRST(ln.host, tuple, seg)
		return
	}
	ln.debug("listener:accepted", internal.SlogAddr16("peer-addr", &tuple.PeerAddr), slog.Uint64("peer-port", uint64(tuple.PeerPort)))
}
