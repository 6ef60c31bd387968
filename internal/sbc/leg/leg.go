package leg

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pion/sdp/v3"

	"github.com/sebas/sbcengine/internal/sbc/dialog"
	"github.com/sebas/sbcengine/internal/sbc/media"
	"github.com/sebas/sbcengine/internal/sbc/metrics"
	"github.com/sebas/sbcengine/internal/sbc/registry"
	"github.com/sebas/sbcengine/internal/sbc/replaces"
	"github.com/sebas/sbcengine/internal/sbc/sdputil"
)

// mailboxSize bounds a leg's pending message backlog. Overflow drops
// the message and reports delivery failure to the sender.
const mailboxSize = 256

// Status codes sipgo does not name.
const (
	statusCallDoesNotExist  sip.StatusCode = 481
	statusRequestTerminated sip.StatusCode = 487
)

// OtherLegInfo is one candidate peer leg during call establishment.
// The Tag is empty while a replace is in flight and the concrete peer
// is not yet known.
type OtherLegInfo struct {
	Tag          string
	CallID       string
	MediaSession *media.Session
}

// Config carries the collaborators a CallLeg needs. Registry is
// mandatory; everything else has a usable zero value.
type Config struct {
	Registry   *registry.SessionRegistry
	Calls      *registry.CallRegistry
	Handler    LegHandler
	Metrics    *metrics.Metrics
	RTPMode    media.Mode
	HoldPolicy sdputil.HoldMethod
	MediaSink  media.PacketWriter
	Logger     *slog.Logger
}

// CallLeg is one side of a back-to-back bridge. All fields are owned
// by the leg's goroutine; external callers interact through the
// mailbox (Deliver, Do, the On* entry points) or through the session
// registry.
type CallLeg struct {
	tag     string
	dlg     dialog.Dialog
	reg     *registry.SessionRegistry
	calls   *registry.CallRegistry
	handler LegHandler
	metrics *metrics.Metrics
	log     *slog.Logger

	aLeg      bool
	status    CallStatus
	statusFSM *statusValidator

	otherID   string
	otherLegs []OtherLegInfo

	rtpMode      media.Mode
	holdPolicy   sdputil.HoldMethod
	mediaSession *media.Session
	mediaSink    media.PacketWriter

	relayOnly          bool
	estInviteCSeq      uint32
	estInviteOtherCSeq uint32
	recvdReqs          map[uint32]*dialog.Request
	relayedReqs        map[uint32]uint32

	initialSDP     *sdp.SessionDescription
	establishedSDP *sdp.SessionDescription
	nonHoldSDP     *sdp.SessionDescription
	onHold         bool
	holdState      holdState
	heldMethod     sdputil.HoldMethod

	pendingOfferCSeq  uint32
	pendingUpdates    []SessionUpdate
	retryTimerPending bool
	afterFunc         func(d time.Duration, fn func()) *time.Timer

	mbox    chan any
	stopped atomic.Bool
	done    chan struct{}
}

var _ registry.Mailbox = (*CallLeg)(nil)

// NewALeg builds the caller-side leg of a bridge around an incoming
// dialog.
func NewALeg(dlg dialog.Dialog, cfg Config) *CallLeg {
	return newLeg(dlg, cfg, true)
}

// NewBLeg builds a callee-side leg bridged to caller. It inherits the
// caller's collaborators; h overrides the handler when non-nil.
func NewBLeg(caller *CallLeg, dlg dialog.Dialog, h LegHandler) *CallLeg {
	if h == nil {
		h = caller.handler
	}
	cfg := Config{
		Registry:   caller.reg,
		Calls:      caller.calls,
		Handler:    h,
		Metrics:    caller.metrics,
		RTPMode:    caller.rtpMode,
		HoldPolicy: caller.holdPolicy,
		Logger:     caller.log,
	}
	l := newLeg(dlg, cfg, false)
	l.otherID = caller.tag
	return l
}

func newLeg(dlg dialog.Dialog, cfg Config, aLeg bool) *CallLeg {
	if cfg.Handler == nil {
		cfg.Handler = NopLegHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tag := dlg.LocalTag()
	if tag == "" {
		tag = uuid.NewString()
	}
	return &CallLeg{
		tag:         tag,
		dlg:         dlg,
		reg:         cfg.Registry,
		calls:       cfg.Calls,
		handler:     cfg.Handler,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		aLeg:        aLeg,
		status:      StatusDisconnected,
		statusFSM:   newStatusValidator(),
		rtpMode:     cfg.RTPMode,
		holdPolicy:  cfg.HoldPolicy,
		mediaSink:   cfg.MediaSink,
		recvdReqs:   make(map[uint32]*dialog.Request),
		relayedReqs: make(map[uint32]uint32),
		afterFunc:   time.AfterFunc,
		mbox:        make(chan any, mailboxSize),
		done:        make(chan struct{}),
	}
}

// Start registers the leg under its tag and launches its goroutine.
func (l *CallLeg) Start() error {
	if err := l.reg.Register(l.tag, l); err != nil {
		return err
	}
	l.metrics.LegStarted(l.Role().String())
	go l.run()
	return nil
}

// Deliver implements registry.Mailbox.
func (l *CallLeg) Deliver(msg any) bool {
	if l.stopped.Load() {
		return false
	}
	select {
	case l.mbox <- msg:
		return true
	default:
		l.log.Error("[CallLeg] Mailbox overflow, dropping message",
			"tag", l.tag, "type", fmt.Sprintf("%T", msg))
		return false
	}
}

// Do schedules fn on the leg's goroutine.
func (l *CallLeg) Do(fn func()) bool {
	return l.Deliver(taskEvent{fn: fn})
}

// Done is closed when the leg is destroyed.
func (l *CallLeg) Done() <-chan struct{} { return l.done }

func (l *CallLeg) run() {
	for msg := range l.mbox {
		l.dispatch(msg)
		if l.stopped.Load() {
			break
		}
	}
	l.drainMailbox()
}

func (l *CallLeg) drainMailbox() {
	for {
		select {
		case msg := <-l.mbox:
			l.discardMessage(msg)
		default:
			return
		}
	}
}

// discardMessage honors the delivery contracts of a message that will
// never be processed.
func (l *CallLeg) discardMessage(msg any) {
	if rm, ok := msg.(reliable); ok {
		rm.responder().Resolve(false)
	}
	if mc, ok := msg.(mediaCarrier); ok {
		l.releaseRef(mc.mediaRef())
	}
	if rep, ok := msg.(*Replace); ok && rep.Reconnect != nil {
		l.discardMessage(rep.Reconnect)
	}
}

func (l *CallLeg) dispatch(msg any) {
	if rm, ok := msg.(reliable); ok {
		resp := rm.responder()
		defer func() {
			if !resp.Resolved() {
				resp.Resolve(false)
			}
		}()
	}
	if mc, ok := msg.(mediaCarrier); ok {
		defer l.releaseRef(mc.mediaRef())
	}

	switch m := msg.(type) {
	case taskEvent:
		m.fn()
	case sipRequestEvent:
		l.handleSipRequest(m.req)
	case sipReplyEvent:
		l.handleSipReply(m.reply)
	case cancelEvent:
		l.handleCancel(m.req)
	case byeEvent:
		l.handleBye(m.req)
	case remoteGoneEvent:
		l.handleRemoteDisappeared(m.reply)
	case timeoutEvent:
		l.log.Warn("[CallLeg] Session timeout", "tag", l.tag, "cause", m.cause)
		l.stopCall()
	case *Connect:
		l.handleConnect(m)
	case *Reconnect:
		l.handleReconnect(m)
	case *Replace:
		l.handleReplace(m)
	case *ReplaceInProgress:
		l.handleReplaceInProgress(m)
	case *Disconnect:
		l.disconnect(m.PutRemoteOnHold, m.PreserveMediaSession)
	case *ChangeRtpMode:
		l.handleChangeRtpMode(m)
	case *ResumeHeld:
		if err := l.ResumeHeldRemote(); err != nil {
			l.log.Error("[CallLeg] Resume failed", "tag", l.tag, "error", err)
		}
	case *ApplyPendingUpdates:
		l.retryTimerPending = false
		l.applyPendingUpdates()
	case *Terminate:
		l.terminateLeg()
	case *RelayedRequest:
		l.handleRelayedRequest(m)
	case *RelayedReply:
		l.handleB2BReply(m)
	default:
		l.log.Warn("[CallLeg] Unhandled message", "tag", l.tag, "type", fmt.Sprintf("%T", msg))
	}
}

// Signaling adapter entry points. Each posts into the mailbox; the
// actual handling runs on the leg's goroutine.

func (l *CallLeg) OnSipRequest(req *dialog.Request)      { l.Deliver(sipRequestEvent{req: req}) }
func (l *CallLeg) OnSipReply(reply *dialog.Reply)        { l.Deliver(sipReplyEvent{reply: reply}) }
func (l *CallLeg) OnCancel(req *dialog.Request)          { l.Deliver(cancelEvent{req: req}) }
func (l *CallLeg) OnBye(req *dialog.Request)             { l.Deliver(byeEvent{req: req}) }
func (l *CallLeg) OnRemoteDisappeared(rpl *dialog.Reply) { l.Deliver(remoteGoneEvent{reply: rpl}) }
func (l *CallLeg) OnMediaTimeout()                       { l.Deliver(timeoutEvent{cause: "rtp-timeout"}) }
func (l *CallLeg) OnSessionTimeout()                     { l.Deliver(timeoutEvent{cause: "session-timeout"}) }
func (l *CallLeg) OnNoAck()                              { l.Deliver(timeoutEvent{cause: "no-ack"}) }
func (l *CallLeg) OnNoPrack()                            { l.Deliver(timeoutEvent{cause: "no-prack"}) }

// Accessors. Safe to call from handler callbacks; external readers get
// a possibly stale snapshot.

func (l *CallLeg) Tag() string                             { return l.tag }
func (l *CallLeg) Dialog() dialog.Dialog                   { return l.dlg }
func (l *CallLeg) Status() CallStatus                      { return l.status }
func (l *CallLeg) OnHold() bool                            { return l.onHold }
func (l *CallLeg) PeerTag() string                         { return l.otherID }
func (l *CallLeg) RTPMode() media.Mode                     { return l.rtpMode }
func (l *CallLeg) MediaSession() *media.Session            { return l.mediaSession }
func (l *CallLeg) HoldPolicy() sdputil.HoldMethod          { return l.holdPolicy }
func (l *CallLeg) HeldMethod() sdputil.HoldMethod          { return l.heldMethod }
func (l *CallLeg) InitialSDP() *sdp.SessionDescription     { return l.initialSDP }
func (l *CallLeg) EstablishedSDP() *sdp.SessionDescription { return l.establishedSDP }
func (l *CallLeg) NonHoldSDP() *sdp.SessionDescription     { return l.nonHoldSDP }

// Role reports which side of the bridge the leg currently plays.
func (l *CallLeg) Role() Role {
	if l.aLeg {
		return RoleA
	}
	return RoleB
}

// AddNewCallee bridges this leg to a freshly built callee leg and
// kicks off its outbound INVITE. In relay or transcode mode a shared
// media session is created; the candidate entry and the callee each
// hold one reference on it. Must run on the leg's goroutine.
func (l *CallLeg) AddNewCallee(callee *CallLeg, msg *Connect) error {
	info := OtherLegInfo{Tag: callee.tag, CallID: callee.dlg.CallID()}
	if l.rtpMode.NeedsSession() {
		ms := media.NewSession(l.rtpMode, nil, nil)
		l.metrics.MediaSessionOpened()
		callee.rtpMode = l.rtpMode
		callee.setMediaSession(ms)
		ms.AddReference()
		info.MediaSession = ms
	}
	callee.otherID = l.tag
	if err := callee.Start(); err != nil {
		l.releaseRef(info.MediaSession)
		callee.releaseMediaSession()
		return err
	}
	l.otherLegs = append(l.otherLegs, info)
	if l.calls != nil {
		l.calls.AddCall(l.tag, registry.CallRegistryEntry{
			CallID:   callee.dlg.CallID(),
			LocalTag: callee.tag,
		})
		l.calls.AddCall(callee.tag, registry.CallRegistryEntry{
			CallID:    l.dlg.CallID(),
			LocalTag:  l.tag,
			RemoteTag: l.dlg.RemoteTag(),
		})
	}
	l.reg.Send(callee.tag, msg)
	if l.status == StatusDisconnected {
		l.updateCallStatus(StatusNoReply)
	}
	return nil
}

// NewConnectMessage builds the Connect for a callee bridged to this
// leg, relaying this leg's establishing INVITE when one is stored.
func (l *CallLeg) NewConnectMessage(hdrs dialog.Headers) *Connect {
	m := &Connect{Hdrs: hdrs.Clone(), Body: l.initialSDP}
	if req, ok := l.recvdReqs[l.estInviteCSeq]; ok && req.Method == sip.INVITE {
		m.RCSeq = req.CSeq
		m.RelayedInvite = true
	}
	return m
}

// NewReconnectMessage builds a Reconnect instructing another leg to
// bridge to this one, taking the opposite role. A nil body replays the
// last established description. When this leg still holds an
// unanswered INVITE (call pickup), the reconnect relays it so the
// target's answer comes back to this dialog.
func (l *CallLeg) NewReconnectMessage(hdrs dialog.Headers, body *sdp.SessionDescription) *Reconnect {
	role := RoleB
	if !l.aLeg {
		role = RoleA
	}
	if body == nil {
		body = l.establishedSDP
	}
	m := NewReconnect(l.reg, role, l.tag, hdrs, body)
	m.CallID = l.dlg.CallID()
	m.RemoteTag = l.dlg.RemoteTag()
	if req, ok := l.recvdReqs[l.estInviteCSeq]; ok && req.Method == sip.INVITE {
		m.RCSeq = req.CSeq
		m.RelayedInvite = true
	}
	return m
}

// AddExistingCallee bridges this leg to an already running leg (call
// pickup, transfer targets). Returns ErrNoSuchLeg when the target is
// gone; the media session created for the candidate is torn down again
// in that case.
func (l *CallLeg) AddExistingCallee(calleeTag string, rec *Reconnect) error {
	info := OtherLegInfo{Tag: calleeTag}
	if l.rtpMode.NeedsSession() {
		ms := media.NewSession(l.rtpMode, nil, nil)
		l.metrics.MediaSessionOpened()
		ms.AddReference()
		info.MediaSession = ms
		rec.AttachMedia(ms, l.rtpMode)
	}
	if !l.reg.Send(calleeTag, rec) {
		rec.resp.markDone()
		l.releaseRef(rec.Media)
		l.releaseRef(info.MediaSession)
		return ErrNoSuchLeg
	}
	l.otherLegs = append(l.otherLegs, info)
	if l.status == StatusDisconnected {
		l.updateCallStatus(StatusNoReply)
	}
	return nil
}

// ReplaceExistingLeg asks the leg known under otherTag to hand over
// its peer to us and step out of the call. The peer's identity arrives
// later via ReplaceInProgress, so the candidate starts with an empty
// tag.
func (l *CallLeg) ReplaceExistingLeg(otherTag string, hdrs dialog.Headers) error {
	rec := l.NewReconnectMessage(hdrs, nil)
	var info OtherLegInfo
	if l.rtpMode.NeedsSession() {
		ms := media.NewSession(l.rtpMode, nil, nil)
		l.metrics.MediaSessionOpened()
		ms.AddReference()
		info.MediaSession = ms
		rec.AttachMedia(ms, l.rtpMode)
	}
	rep := NewReplace(l.reg, rec, l.tag)
	if !l.reg.Send(otherTag, rep) {
		rep.resp.markDone()
		rec.resp.markDone()
		l.releaseRef(rec.Media)
		l.releaseRef(info.MediaSession)
		return ErrNoSuchLeg
	}
	l.otherLegs = append(l.otherLegs, info)
	if l.status == StatusDisconnected {
		l.updateCallStatus(StatusNoReply)
	}
	return nil
}

// Disconnect detaches this leg from the bridge, optionally parking its
// remote on hold. Must run on the leg's goroutine.
func (l *CallLeg) Disconnect(holdRemote, preserveMedia bool) {
	l.disconnect(holdRemote, preserveMedia)
}

// DisconnectPeer asks the peer leg to detach itself.
func (l *CallLeg) DisconnectPeer(holdRemote, preserveMedia bool) bool {
	if l.otherID == "" {
		return false
	}
	return l.reg.Send(l.otherID, &Disconnect{
		PutRemoteOnHold:      holdRemote,
		PreserveMediaSession: preserveMedia,
	})
}

// StopCall tears down the whole call: all candidates, the peer, and
// this leg. Must run on the leg's goroutine.
func (l *CallLeg) StopCall() { l.stopCall() }

// B2B message handlers.

func (l *CallLeg) handleConnect(m *Connect) {
	if l.status != StatusDisconnected {
		l.log.Error("[CallLeg] Connect in unexpected status",
			"tag", l.tag, "status", l.status.String())
		return
	}
	l.relayOnly = true
	l.updateCallStatus(StatusNoReply)
	l.connectLeg(m.Hdrs, m.Body, m.RCSeq, m.RelayedInvite)
}

func (l *CallLeg) connectLeg(hdrs dialog.Headers, body *sdp.SessionDescription, rcseq uint32, relayed bool) {
	cseq, err := l.dlg.SendRequest(sip.INVITE, body, hdrs)
	if err != nil {
		l.log.Error("[CallLeg] Failed to send INVITE", "tag", l.tag, "error", err)
		if relayed {
			l.relayError(sip.INVITE, rcseq, sip.StatusInternalServerError, "Internal error")
		}
		l.stopCall()
		return
	}
	l.estInviteCSeq = cseq
	l.setLocalSDP(body)
	if relayed {
		l.relayedReqs[cseq] = rcseq
		l.estInviteOtherCSeq = rcseq
	}
}

func (l *CallLeg) handleReconnect(m *Reconnect) {
	m.resp.Resolve(true)
	l.log.Info("[CallLeg] Reconnecting to new peer",
		"tag", l.tag, "peer", m.SessionTag, "role", m.Role.String())
	l.terminateOtherLeg()
	l.releaseMediaSession()
	l.otherID = m.SessionTag
	l.aLeg = m.Role == RoleA
	l.relayOnly = true
	l.rtpMode = m.Mode
	if m.Media != nil {
		l.setMediaSession(m.Media)
	}
	if l.calls != nil {
		if m.CallID != "" {
			l.calls.AddCall(l.tag, registry.CallRegistryEntry{
				CallID:    m.CallID,
				LocalTag:  m.SessionTag,
				RemoteTag: m.RemoteTag,
			})
		}
		l.calls.AddCall(m.SessionTag, registry.CallRegistryEntry{
			CallID:    l.dlg.CallID(),
			LocalTag:  l.tag,
			RemoteTag: l.dlg.RemoteTag(),
		})
	}
	l.updateCallStatus(StatusNoReply)
	l.connectLeg(m.Hdrs, m.Body, m.RCSeq, m.RelayedInvite)
}

func (l *CallLeg) handleReplace(m *Replace) {
	rec := m.Reconnect
	id := l.otherID
	if id == "" && len(l.otherLegs) > 0 {
		id = l.otherLegs[0].Tag
	}
	if id == "" {
		l.log.Error("[CallLeg] Replace with no peer to hand over", "tag", l.tag)
		l.discardMessage(rec)
		return
	}
	m.resp.Resolve(true)
	// tell the initiator which leg it ends up bridged to
	l.reg.Send(rec.SessionTag, &ReplaceInProgress{DstSession: id})
	if !l.reg.Send(id, rec) {
		rec.resp.Resolve(false)
		l.releaseRef(rec.Media)
	}
	// step out of the call without touching the handed-over peer
	l.removeOtherLeg(id)
	l.releaseMediaSession()
	l.terminateLeg()
}

func (l *CallLeg) handleReplaceInProgress(m *ReplaceInProgress) {
	for i := range l.otherLegs {
		if l.otherLegs[i].Tag == "" {
			l.otherLegs[i].Tag = m.DstSession
			return
		}
	}
	l.log.Warn("[CallLeg] ReplaceInProgress with no placeholder candidate",
		"tag", l.tag, "dst", m.DstSession)
}

func (l *CallLeg) handleChangeRtpMode(m *ChangeRtpMode) {
	l.releaseMediaSession()
	l.rtpMode = m.Mode
	if m.Media != nil {
		l.setMediaSession(m.Media)
	}
}

// ChangeRtpMode switches the media processing mode, creating fresh
// shared sessions and propagating them to the peer or to every
// candidate. Must run on the leg's goroutine.
func (l *CallLeg) ChangeRtpMode(mode media.Mode) {
	if mode == l.rtpMode {
		return
	}
	l.rtpMode = mode
	switch l.status {
	case StatusNoReply, StatusRinging:
		l.releaseMediaSession()
		for i := range l.otherLegs {
			info := &l.otherLegs[i]
			l.releaseRef(info.MediaSession)
			info.MediaSession = nil
			var ms *media.Session
			if mode.NeedsSession() {
				ms = media.NewSession(mode, nil, nil)
				l.metrics.MediaSessionOpened()
				ms.AddReference()
				info.MediaSession = ms
			}
			if info.Tag == "" {
				continue
			}
			if !l.reg.Send(info.Tag, NewChangeRtpMode(mode, ms)) {
				l.releaseRef(ms)
			}
		}
	default:
		l.releaseMediaSession()
		var ms *media.Session
		if mode.NeedsSession() {
			ms = media.NewSession(mode, nil, nil)
			l.metrics.MediaSessionOpened()
			l.setMediaSession(ms)
		}
		if l.otherID != "" {
			if !l.reg.Send(l.otherID, NewChangeRtpMode(mode, ms)) {
				l.releaseRef(ms)
			}
		}
	}
}

func (l *CallLeg) disconnect(holdRemote, preserveMedia bool) {
	switch l.status {
	case StatusDisconnecting, StatusDisconnected:
		l.log.Warn("[CallLeg] Disconnect in terminal status",
			"tag", l.tag, "status", l.status.String())
		return
	case StatusNoReply, StatusRinging:
		l.log.Warn("[CallLeg] Disconnecting a call that is not connected yet", "tag", l.tag)
		l.terminateNotConnectedLegs()
		if l.otherID != "" {
			l.reg.Send(l.otherID, &Terminate{})
		}
	}
	if l.otherID != "" {
		l.removeOtherLeg(l.otherID)
	}
	l.relayOnly = false
	if !preserveMedia {
		l.releaseMediaSession()
	}
	if !holdRemote || l.onHold {
		l.updateCallStatus(StatusDisconnected)
		return
	}
	l.updateCallStatus(StatusDisconnecting)
	if err := l.PutOnHold(); err != nil {
		l.log.Error("[CallLeg] Failed to park remote on hold", "tag", l.tag, "error", err)
		l.updateCallStatus(StatusDisconnected)
	}
}

// handleB2BReply runs on the caller-side leg for every reply relayed
// from a peer or candidate leg.
func (l *CallLeg) handleB2BReply(m *RelayedReply) {
	if m.Reply.Method == sip.INVITE && (l.status == StatusNoReply || l.status == StatusRinging) {
		l.processEstablishingReply(m)
		return
	}
	if m.SenderTag != l.otherID {
		l.log.Debug("[CallLeg] Ignoring reply from non-peer leg",
			"tag", l.tag, "sender", m.SenderTag)
		return
	}
	if m.Forward {
		l.relaySipReply(m.Reply)
	}
}

func (l *CallLeg) processEstablishingReply(m *RelayedReply) {
	reply := m.Reply
	switch {
	case reply.IsProvisional():
		if l.status == StatusRinging && m.SenderTag != l.otherID {
			return // late branch of an already pinned fork
		}
		if m.Forward {
			if l.relaySipReply(reply) != nil {
				l.stopCall()
				return
			}
		}
		if reply.ToTag != "" && l.status == StatusNoReply {
			// first branch with a to-tag gets pinned
			l.otherID = m.SenderTag
			l.updateCallStatus(StatusRinging)
		}

	case reply.IsSuccess():
		l.otherID = m.SenderTag
		l.terminateNotConnectedLegs()
		winner := -1
		for i := range l.otherLegs {
			if l.otherLegs[i].Tag == m.SenderTag {
				winner = i
				break
			}
		}
		if winner < 0 {
			l.log.Error("[CallLeg] BUG: connected without candidate entry",
				"tag", l.tag, "sender", m.SenderTag)
			l.stopCall()
			return
		}
		if ms := l.otherLegs[winner].MediaSession; ms != nil {
			l.setMediaSession(ms)
			l.releaseRef(ms) // candidate entry reference
			l.otherLegs[winner].MediaSession = nil
		}
		if l.calls != nil && l.otherLegs[winner].CallID != "" {
			// a losing fork branch may have overwritten this entry
			l.calls.AddCall(l.tag, registry.CallRegistryEntry{
				CallID:    l.otherLegs[winner].CallID,
				LocalTag:  m.SenderTag,
				RemoteTag: reply.ToTag,
			})
		}
		l.otherLegs = nil
		l.handler.OnCallConnected(l, reply)
		l.relayOnly = true
		if m.Forward {
			if l.relaySipReply(reply) != nil {
				l.stopCall()
				return
			}
		} else if reply.Body != nil {
			// connected without a caller INVITE to answer (pickup,
			// transfer); re-anchor media with a re-INVITE
			if err := l.UpdateSession(&reinviteUpdate{body: reply.Body}); err != nil {
				l.log.Error("[CallLeg] Re-anchoring re-INVITE failed", "tag", l.tag, "error", err)
			}
		}
		l.updateCallStatus(StatusConnected)

	default:
		l.removeOtherLeg(m.SenderTag)
		// serial forking: the handler may add a new callee here
		l.handler.OnBLegRefused(l, reply)
		if len(l.otherLegs) > 0 {
			return
		}
		if m.Forward {
			l.relaySipReply(reply)
		}
		l.updateCallStatus(StatusDisconnected)
		l.handler.OnCallFailed(l, FailRefused, reply)
		l.metrics.CallFailed(FailRefused.String())
		l.terminateLeg()
	}
}

func (l *CallLeg) handleRelayedRequest(m *RelayedRequest) {
	req := m.Req
	body := req.Body
	hdrs := req.Hdrs
	if req.Method == sip.INVITE || req.Method == sip.UPDATE {
		body = l.processBridgedOffer(body)
	}
	if l.calls != nil && hdrs != nil {
		rewritten := hdrs.Clone()
		if replaces.RewriteRequest(req.Method, rewritten, l.calls) {
			hdrs = rewritten
		}
	}
	cseq, err := l.dlg.SendRequest(req.Method, body, hdrs)
	if err != nil {
		l.log.Error("[CallLeg] Failed to relay request",
			"tag", l.tag, "method", string(req.Method), "error", err)
		l.relayError(req.Method, req.CSeq, sip.StatusInternalServerError, "Internal error")
		l.holdState = preserveHoldStatus
		return
	}
	l.relayedReqs[cseq] = req.CSeq
	if body != nil && (req.Method == sip.INVITE || req.Method == sip.UPDATE) {
		l.pendingOfferCSeq = cseq
		l.setLocalSDP(body)
	}
}

func (l *CallLeg) relayError(method sip.RequestMethod, cseq uint32, code sip.StatusCode, reason string) {
	if l.otherID == "" {
		return
	}
	l.reg.Send(l.otherID, &RelayedReply{
		SenderTag: l.tag,
		Forward:   true,
		Reply:     &dialog.Reply{Method: method, Code: code, Reason: reason, CSeq: cseq},
	})
}

// Dialog-layer handlers.

func (l *CallLeg) handleSipRequest(req *dialog.Request) {
	switch req.Method {
	case sip.ACK:
		return
	case sip.INVITE:
		if l.status == StatusDisconnected && l.dlg.Status() != dialog.StatusConnected {
			// initial INVITE on a caller leg
			l.estInviteCSeq = req.CSeq
			l.recvdReqs[req.CSeq] = req
			if req.Body != nil {
				l.initialSDP = req.Body
			}
			return
		}
	}
	l.relayRequest(req)
}

func (l *CallLeg) relayRequest(req *dialog.Request) {
	if !l.relayOnly || l.otherID == "" {
		// nobody to relay to; answer in place so a parked remote does
		// not time out
		var body *sdp.SessionDescription
		if req.Body != nil {
			body = l.establishedSDP
		}
		if err := l.dlg.Reply(req, sip.StatusOK, "OK", body); err != nil {
			l.log.Error("[CallLeg] Local reply failed", "tag", l.tag, "error", err)
		}
		return
	}
	l.recvdReqs[req.CSeq] = req
	if !l.reg.Send(l.otherID, &RelayedRequest{SenderTag: l.tag, Req: req}) {
		delete(l.recvdReqs, req.CSeq)
		l.dlg.Reply(req, statusCallDoesNotExist, "Call/Transaction Does Not Exist", nil)
	}
}

func (l *CallLeg) handleSipReply(reply *dialog.Reply) {
	if orig, ok := l.relayedReqs[reply.CSeq]; ok {
		if reply.IsFinal() {
			delete(l.relayedReqs, reply.CSeq)
		}
		if l.otherID != "" {
			fwd := *reply
			fwd.CSeq = orig
			l.reg.Send(l.otherID, &RelayedReply{SenderTag: l.tag, Forward: true, Reply: &fwd})
		}
	} else if reply.Method == sip.INVITE && reply.CSeq == l.estInviteCSeq &&
		(l.status == StatusNoReply || l.status == StatusRinging) && l.otherID != "" {
		// non-relayed connect (reconnect, replace): the peer has no
		// request to answer but still needs the establishing reply to
		// pin the branch and adopt the winner
		l.reg.Send(l.otherID, &RelayedReply{SenderTag: l.tag, Forward: false, Reply: reply})
	}
	l.processReplyOwnState(reply)
}

func (l *CallLeg) processReplyOwnState(reply *dialog.Reply) {
	final := reply.IsFinal()

	if reply.Method == sip.INVITE && reply.CSeq == l.estInviteCSeq &&
		(l.status == StatusNoReply || l.status == StatusRinging) {
		switch {
		case reply.IsProvisional():
			if reply.ToTag != "" && l.status == StatusNoReply {
				l.updateCallStatus(StatusRinging)
			}
		case reply.IsSuccess():
			l.handler.OnCallConnected(l, reply)
			if l.otherID != "" && l.calls != nil {
				// far end tag is known now; patch the rewrite entry
				l.calls.UpdateCall(l.otherID, reply.ToTag)
			}
			l.updateCallStatus(StatusConnected)
		default:
			// refused; the caller leg decides about fallback branches
			l.terminateLeg()
			return
		}
	}

	if final && l.pendingOfferCSeq != 0 && reply.CSeq == l.pendingOfferCSeq {
		l.pendingOfferCSeq = 0
		if reply.Code != StatusRequestPending {
			l.completeOfferAnswer(reply.IsSuccess())
		}
	}

	if final && len(l.pendingUpdates) > 0 {
		head := l.pendingUpdates[0]
		if head.HasCSeq() && head.CSeq() == reply.CSeq {
			l.onUpdateReply(reply)
			return
		}
	}
	if final {
		l.applyPendingUpdates()
	}
}

func (l *CallLeg) handleCancel(req *dialog.Request) {
	if l.status != StatusNoReply && l.status != StatusRinging {
		return
	}
	if !l.aLeg {
		// CANCEL toward an outbound leg is finished by the dialog layer
		return
	}
	l.handler.OnCallFailed(l, FailCanceled, nil)
	l.metrics.CallFailed(FailCanceled.String())
	l.stopCall()
}

func (l *CallLeg) handleBye(req *dialog.Request) {
	if err := l.dlg.Reply(req, sip.StatusOK, "OK", nil); err != nil {
		l.log.Error("[CallLeg] Failed to answer BYE", "tag", l.tag, "error", err)
	}
	l.terminateNotConnectedLegs()
	if l.otherID != "" {
		l.reg.Send(l.otherID, &Terminate{})
		l.removeOtherLeg(l.otherID)
	}
	l.updateCallStatus(StatusDisconnected)
	l.destroy()
}

func (l *CallLeg) handleRemoteDisappeared(reply *dialog.Reply) {
	l.log.Warn("[CallLeg] Remote party disappeared", "tag", l.tag)
	if reply != nil && l.otherID != "" &&
		(l.status == StatusNoReply || l.status == StatusRinging) {
		fwd := *reply
		fwd.CSeq = l.estInviteOtherCSeq
		l.reg.Send(l.otherID, &RelayedReply{SenderTag: l.tag, Forward: true, Reply: &fwd})
	}
	l.stopCall()
}

// Teardown.

func (l *CallLeg) stopCall() {
	l.terminateNotConnectedLegs()
	l.terminateOtherLeg()
	l.terminateLeg()
}

// terminateNotConnectedLegs drops every candidate except the pinned
// peer.
func (l *CallLeg) terminateNotConnectedLegs() {
	var keep []OtherLegInfo
	for _, info := range l.otherLegs {
		if info.Tag != "" && info.Tag == l.otherID {
			keep = append(keep, info)
			continue
		}
		if info.Tag != "" {
			l.reg.Send(info.Tag, &Terminate{})
		}
		l.releaseRef(info.MediaSession)
	}
	l.otherLegs = keep
}

func (l *CallLeg) terminateOtherLeg() {
	if l.status != StatusConnected {
		l.terminateNotConnectedLegs()
	}
	if l.otherID != "" {
		l.reg.Send(l.otherID, &Terminate{})
		l.removeOtherLeg(l.otherID)
	}
	l.updateCallStatus(StatusDisconnected)
}

func (l *CallLeg) terminateLeg() {
	if l.stopped.Load() {
		return
	}
	switch {
	case l.dlg.Status() == dialog.StatusConnected:
		if _, err := l.dlg.SendRequest(sip.BYE, nil, nil); err != nil {
			l.log.Error("[CallLeg] Failed to send BYE", "tag", l.tag, "error", err)
		}
	case l.dlg.UACInvitePending():
		if _, err := l.dlg.SendRequest(sip.CANCEL, nil, nil); err != nil {
			l.log.Error("[CallLeg] Failed to send CANCEL", "tag", l.tag, "error", err)
		}
	case l.dlg.UASInvitePending():
		if req, ok := l.recvdReqs[l.estInviteCSeq]; ok {
			l.dlg.Reply(req, statusRequestTerminated, "Request Terminated", nil)
		}
	}
	l.updateCallStatus(StatusDisconnected)
	l.destroy()
}

func (l *CallLeg) destroy() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	l.releaseMediaSession()
	for i := range l.otherLegs {
		l.releaseRef(l.otherLegs[i].MediaSession)
	}
	l.otherLegs = nil
	l.reg.Deregister(l.tag)
	if l.calls != nil {
		l.calls.RemoveCall(l.tag)
	}
	l.metrics.LegStopped()
	l.handler.OnCallStopped(l)
	close(l.done)
}

// Status bookkeeping and media plumbing.

func (l *CallLeg) updateCallStatus(next CallStatus) {
	if next == l.status {
		return
	}
	old := l.status
	if err := l.statusFSM.fire(next); err != nil {
		l.log.Warn("[CallLeg] Unexpected status transition",
			"tag", l.tag, "from", old.String(), "to", next.String())
	}
	l.status = next
	l.log.Debug("[CallLeg] Call status changed",
		"tag", l.tag, "from", old.String(), "to", next.String())
	l.metrics.StatusTransition(old.String(), next.String())
	l.handler.OnCallStatusChange(l, old, next)
}

func (l *CallLeg) removeOtherLeg(tag string) {
	if l.otherID == tag {
		l.otherID = ""
	}
	for i := range l.otherLegs {
		if l.otherLegs[i].Tag == tag {
			l.releaseRef(l.otherLegs[i].MediaSession)
			l.otherLegs = append(l.otherLegs[:i], l.otherLegs[i+1:]...)
			return
		}
	}
}

// setMediaSession swaps the leg's own media session reference.
func (l *CallLeg) setMediaSession(ms *media.Session) {
	if ms != nil {
		ms.AddReference()
	}
	l.releaseRef(l.mediaSession)
	l.mediaSession = ms
	if ms != nil {
		ms.ChangeSession(l.aLeg, l.mediaSink)
	}
}

func (l *CallLeg) releaseMediaSession() {
	l.releaseRef(l.mediaSession)
	l.mediaSession = nil
}

func (l *CallLeg) releaseRef(ms *media.Session) {
	if ms != nil && ms.ReleaseReference() {
		l.metrics.MediaSessionClosed()
	}
}

func (l *CallLeg) relaySipReply(reply *dialog.Reply) error {
	req, ok := l.recvdReqs[reply.CSeq]
	if !ok {
		l.log.Warn("[CallLeg] No stored request for relayed reply",
			"tag", l.tag, "cseq", reply.CSeq)
		return nil
	}
	if reply.IsFinal() {
		delete(l.recvdReqs, reply.CSeq)
	}
	if err := l.dlg.Reply(req, reply.Code, reply.Reason, reply.Body); err != nil {
		l.log.Error("[CallLeg] Failed to relay reply", "tag", l.tag, "error", err)
		return err
	}
	l.setLocalSDP(reply.Body)
	return nil
}

func (l *CallLeg) sendReinvite(body *sdp.SessionDescription, hdrs dialog.Headers) (uint32, error) {
	cseq, err := l.dlg.SendRequest(sip.INVITE, body, hdrs)
	if err != nil {
		return 0, err
	}
	if body != nil {
		l.pendingOfferCSeq = cseq
		l.setLocalSDP(body)
	}
	return cseq, nil
}
