package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nimbuschat/realtime-backend/internal/models"
)

// initiateCall starts a call from caller in chatID and returns the callId
// from the caller's ringing ack.
func initiateCall(t *testing.T, env *testEnv, caller *Session, callerConn *fakeConn, chatID string) string {
	t.Helper()
	if werr := env.send(t, caller, EvtCallInitiate, CallInitiatePayload{ChatID: chatID, CallType: "AUDIO"}); werr != nil {
		t.Fatalf("initiate failed: %v", werr)
	}
	acks := callerConn.eventsOf(t, EvtCallStatusChanged)
	if len(acks) == 0 {
		t.Fatal("caller got no ringing ack")
	}
	var p callStatusPayload
	if err := json.Unmarshal(acks[len(acks)-1].Data, &p); err != nil {
		t.Fatalf("bad status payload: %v", err)
	}
	if p.Status != models.CallRinging {
		t.Fatalf("ack status = %s, want ringing", p.Status)
	}
	return p.CallID
}

func TestCallInitiateRingsEveryDevice(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	_, phone := env.connect(t, 2)
	_, desktop := env.connect(t, 2)

	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	for name, conn := range map[string]*fakeConn{"phone": phone, "desktop": desktop} {
		incoming := conn.eventsOf(t, EvtCallIncoming)
		if len(incoming) != 1 {
			t.Fatalf("%s got %d CALL_INCOMING, want 1", name, len(incoming))
		}
		var p callEventPayload
		if err := json.Unmarshal(incoming[0].Data, &p); err != nil {
			t.Fatalf("bad incoming payload: %v", err)
		}
		if p.CallID != callID || p.CallerID != 1 || p.CallType != models.AudioCall {
			t.Errorf("%s incoming = %+v", name, p)
		}
	}
}

func TestCallInitiateOfflineInviteeIsNotified(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	initiateCall(t, env, caller, callerConn, "p2p:1:2")

	calls := env.notifier.callsFor(2)
	if len(calls) != 1 || calls[0].kind != models.NotifyCall {
		t.Errorf("offline invitee notifications = %+v, want one incoming-call kind", calls)
	}
}

func TestCallInitiateCallerBusy(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)
	env.directory.addChat("p2p:1:3", 1, 3)

	caller, callerConn := env.connect(t, 1)
	env.connect(t, 2)
	initiateCall(t, env, caller, callerConn, "p2p:1:2")

	werr := env.send(t, caller, EvtCallInitiate, CallInitiatePayload{ChatID: "p2p:1:3", CallType: "AUDIO"})
	if werr == nil || werr.Code != CodeConflict {
		t.Errorf("second initiate error = %v, want %s", werr, CodeConflict)
	}
}

func TestCallInitiateNonMemberRejected(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	outsider, _ := env.connect(t, 3)
	werr := env.send(t, outsider, EvtCallInitiate, CallInitiatePayload{ChatID: "p2p:1:2", CallType: "AUDIO"})
	if werr == nil || werr.Code != CodeAuthorization {
		t.Errorf("error = %v, want %s", werr, CodeAuthorization)
	}
}

func TestCallAnswerFirstDeviceWins(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	phoneSess, phone := env.connect(t, 2)
	deskSess, desktop := env.connect(t, 2)

	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	if werr := env.send(t, phoneSess, EvtCallAnswer, CallActionPayload{CallID: callID}); werr != nil {
		t.Fatalf("answer failed: %v", werr)
	}

	// The winning device joins, the other one is told to stand down.
	if phone.countOf(t, EvtCallParticipantJoin) == 0 {
		t.Error("answering device should get the join ack")
	}
	ended := desktop.eventsOf(t, EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("losing device got %d CALL_ENDED, want 1", len(ended))
	}
	var p callEndedPayload
	if err := json.Unmarshal(ended[0].Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.Reason != "answered_elsewhere" {
		t.Errorf("reason = %s, want answered_elsewhere", p.Reason)
	}

	// A late answer from the other device loses the race quietly.
	if werr := env.send(t, deskSess, EvtCallAnswer, CallActionPayload{CallID: callID}); werr != nil {
		t.Fatalf("late answer must not error: %v", werr)
	}
	if got := desktop.countOf(t, EvtCallEnded); got != 2 {
		t.Errorf("late answer response count = %d, want a second answered_elsewhere", got)
	}

	// First answer moves the call to CONNECTING for everyone.
	connecting := false
	for _, e := range callerConn.eventsOf(t, EvtCallStatusChanged) {
		var sp callStatusPayload
		if err := json.Unmarshal(e.Data, &sp); err == nil && sp.Status == models.CallConnecting {
			connecting = true
		}
	}
	if !connecting {
		t.Error("caller never saw CONNECTING")
	}
}

func TestCallRingTimeoutGoesMissed(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RingTimeout = 50 * time.Millisecond })
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	_, inviteeConn := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := env.callLog.terminalStatus(callID); ok {
			if status != models.CallMissed {
				t.Fatalf("terminal status = %s, want missed", status)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := env.callLog.terminalStatus(callID); !ok {
		t.Fatal("ring timeout never finalized the call")
	}

	for name, conn := range map[string]*fakeConn{"caller": callerConn, "invitee": inviteeConn} {
		ended := conn.eventsOf(t, EvtCallEnded)
		if len(ended) != 1 {
			t.Fatalf("%s got %d CALL_ENDED, want 1", name, len(ended))
		}
		var p callEndedPayload
		if err := json.Unmarshal(ended[0].Data, &p); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if p.Reason != "missed" {
			t.Errorf("%s reason = %s, want missed", name, p.Reason)
		}
	}

	// The invitee gets a missed-call notification even while online.
	calls := env.notifier.callsFor(2)
	if len(calls) != 1 || calls[0].kind != models.NotifyMissedCall {
		t.Errorf("missed-call notifications = %+v", calls)
	}
}

func TestCallDeclineBySoleInvitee(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, _ := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	if werr := env.send(t, invitee, EvtCallDecline, CallActionPayload{CallID: callID}); werr != nil {
		t.Fatalf("decline failed: %v", werr)
	}

	ended := callerConn.eventsOf(t, EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("caller got %d CALL_ENDED, want 1", len(ended))
	}
	var p callEndedPayload
	if err := json.Unmarshal(ended[0].Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.Reason != "declined" {
		t.Errorf("reason = %s, want declined", p.Reason)
	}
	if status, ok := env.callLog.terminalStatus(callID); !ok || status != models.CallDeclined {
		t.Errorf("logged status = %s (ok=%v), want declined", status, ok)
	}
}

func TestCallerHangupWhileRingingIsCancelled(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	_, inviteeConn := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	if werr := env.send(t, caller, EvtCallEnd, CallActionPayload{CallID: callID}); werr != nil {
		t.Fatalf("end failed: %v", werr)
	}

	ended := inviteeConn.eventsOf(t, EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("invitee got %d CALL_ENDED, want 1", len(ended))
	}
	var p callEndedPayload
	if err := json.Unmarshal(ended[0].Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.Reason != "cancelled" {
		t.Errorf("reason = %s, want cancelled", p.Reason)
	}
	if status, ok := env.callLog.terminalStatus(callID); !ok || status != models.CallMissed {
		t.Errorf("logged status = %s (ok=%v), want missed", status, ok)
	}
}

// connectCall walks a two-party call to CONNECTED: answer, then relay the
// answering peer's WEBRTC_ANSWER back to the caller.
func connectCall(t *testing.T, env *testEnv, callID string, invitee *Session) {
	t.Helper()
	if werr := env.send(t, invitee, EvtCallAnswer, CallActionPayload{CallID: callID}); werr != nil {
		t.Fatalf("answer failed: %v", werr)
	}
	if werr := env.send(t, invitee, EvtWebRTCAnswer, WebRTCPayload{
		CallID:       callID,
		TargetUserID: 1,
		Signal:       json.RawMessage(`{"sdp":"opaque"}`),
	}); werr != nil {
		t.Fatalf("answer relay failed: %v", werr)
	}
}

func TestCallConnectsOnAnswerRelay(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, inviteeConn := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	connectCall(t, env, callID, invitee)

	// Caller receives the opaque signal untouched.
	forwarded := callerConn.eventsOf(t, EvtWebRTCAnswerReceived)
	if len(forwarded) != 1 {
		t.Fatalf("caller got %d forwarded answers, want 1", len(forwarded))
	}
	var fwd relayForwardPayload
	if err := json.Unmarshal(forwarded[0].Data, &fwd); err != nil {
		t.Fatalf("bad forward payload: %v", err)
	}
	if fwd.FromUserID != 2 || string(fwd.Signal) != `{"sdp":"opaque"}` {
		t.Errorf("forward = %+v, signal must pass through verbatim", fwd)
	}

	// Both parties see CALL_STARTED.
	if callerConn.countOf(t, EvtCallStarted) != 1 || inviteeConn.countOf(t, EvtCallStarted) != 1 {
		t.Error("both participants should see CALL_STARTED once connected")
	}
}

func TestCallEndAfterConnected(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, inviteeConn := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")
	connectCall(t, env, callID, invitee)

	if werr := env.send(t, caller, EvtCallEnd, CallActionPayload{CallID: callID}); werr != nil {
		t.Fatalf("end failed: %v", werr)
	}

	ended := inviteeConn.eventsOf(t, EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("invitee got %d CALL_ENDED, want 1", len(ended))
	}
	var p callEndedPayload
	if err := json.Unmarshal(ended[0].Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.Reason != "ended" {
		t.Errorf("reason = %s, want ended", p.Reason)
	}
	if status, ok := env.callLog.terminalStatus(callID); !ok || status != models.CallEnded {
		t.Errorf("logged status = %s (ok=%v), want ended", status, ok)
	}

	// Ending again hits an unknown call.
	werr := env.send(t, caller, EvtCallEnd, CallActionPayload{CallID: callID})
	if werr == nil || werr.Code != CodeNotFound {
		t.Errorf("second end error = %v, want %s", werr, CodeNotFound)
	}
}

func TestRelayIntoTornDownCall(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, _ := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")
	connectCall(t, env, callID, invitee)

	env.hub.Unregister(caller.SessionID)

	// The counterpart dropping tears the call down entirely, so the relay
	// reports an unknown call rather than a failed delivery.
	werr := env.send(t, invitee, EvtWebRTCICECandidate, WebRTCPayload{CallID: callID, TargetUserID: 1, Signal: json.RawMessage(`{}`)})
	if werr == nil || werr.Code != CodeNotFound {
		t.Errorf("relay into a torn-down call = %v, want %s", werr, CodeNotFound)
	}
}

func TestRelayToSessionlessInviteeFails(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	inviteeSess, _ := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	// The invitee is still ringing with an open session; the caller sends an
	// early offer to user 3 who is not on the call at all.
	werr := env.send(t, caller, EvtWebRTCOffer, WebRTCPayload{CallID: callID, TargetUserID: 3, Signal: json.RawMessage(`{}`)})
	if werr == nil || werr.Code != CodeAuthorization {
		t.Errorf("relay to non-member = %v, want %s", werr, CodeAuthorization)
	}

	// Valid target, no live session: delivery is refused, not queued.
	env.hub.Unregister(inviteeSess.SessionID)
	if werr := env.send(t, caller, EvtWebRTCOffer, WebRTCPayload{CallID: callID, TargetUserID: 2, Signal: json.RawMessage(`{}`)}); werr != nil {
		t.Fatalf("relay errored instead of reporting failure: %v", werr)
	}
	results := callerConn.eventsOf(t, EvtWebRTCOfferReceived)
	if len(results) != 1 {
		t.Fatalf("caller got %d relay results, want 1", len(results))
	}
	var res relayResultPayload
	if err := json.Unmarshal(results[0].Data, &res); err != nil {
		t.Fatalf("bad result payload: %v", err)
	}
	if res.Success {
		t.Error("relay to a sessionless target must report success=false")
	}
}

func TestCallMediaUpdateBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, _ := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")
	connectCall(t, env, callID, invitee)

	muted := true
	if werr := env.send(t, invitee, EvtCallMediaUpdate, CallMediaUpdatePayload{CallID: callID, IsMuted: &muted}); werr != nil {
		t.Fatalf("media update failed: %v", werr)
	}

	changed := callerConn.eventsOf(t, EvtCallMediaChanged)
	if len(changed) != 1 {
		t.Fatalf("caller got %d CALL_MEDIA_CHANGED, want 1", len(changed))
	}
	var p callMediaPayload
	if err := json.Unmarshal(changed[0].Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.UserID != 2 || !p.IsMuted {
		t.Errorf("media = %+v, want user 2 muted", p)
	}
	if p.IsVideoEnabled || p.IsSharingScreen {
		t.Error("partial update must not flip untouched flags")
	}
}

func TestCallMediaUpdateRequiresJoined(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, _ := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")

	muted := true
	werr := env.send(t, invitee, EvtCallMediaUpdate, CallMediaUpdatePayload{CallID: callID, IsMuted: &muted})
	if werr == nil || werr.Code != CodeProtocol {
		t.Errorf("ringing participant media update = %v, want %s", werr, CodeProtocol)
	}
}

func TestInviteeDisconnectEndsTwoPartyCall(t *testing.T) {
	env := newTestEnv(t)
	env.directory.addChat("p2p:1:2", 1, 2)

	caller, callerConn := env.connect(t, 1)
	invitee, _ := env.connect(t, 2)
	callID := initiateCall(t, env, caller, callerConn, "p2p:1:2")
	connectCall(t, env, callID, invitee)

	env.hub.Unregister(invitee.SessionID)

	ended := callerConn.eventsOf(t, EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("caller got %d CALL_ENDED, want 1", len(ended))
	}
	var p callEndedPayload
	if err := json.Unmarshal(ended[0].Data, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.Reason != "peer_disconnected" {
		t.Errorf("reason = %s, want peer_disconnected", p.Reason)
	}
}
