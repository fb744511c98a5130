package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/clonecall/internal/clock"
	"github.com/MrWong99/clonecall/internal/clonecache"
	"github.com/MrWong99/clonecall/internal/orchestrator"
	"github.com/MrWong99/clonecall/internal/sample"
	"github.com/MrWong99/clonecall/internal/store"
	"github.com/MrWong99/clonecall/pkg/provider/voice"
	"github.com/MrWong99/clonecall/pkg/provider/voice/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type stubSamples map[string][]byte

func (s stubSamples) Has(_ context.Context, callerID string) (bool, error) {
	_, ok := s[callerID]
	return ok, nil
}

func (s stubSamples) Fetch(_ context.Context, callerID string) ([]byte, error) {
	b, ok := s[callerID]
	if !ok {
		return nil, sample.ErrNoSample
	}
	return b, nil
}

type fixture struct {
	store    *store.MemStore
	provider *mock.Provider
	orch     *orchestrator.Orchestrator
	ctrl     *Controller
}

type fixtureOpts struct {
	clock    clock.Clock
	policy   clock.Policy
	fallback FallbackPolicy
}

func newFixture(t *testing.T, p *mock.Provider, o fixtureOpts) *fixture {
	t.Helper()
	if o.clock == nil {
		o.clock = clock.System{}
	}
	st := store.NewMemStore()
	samples := stubSamples{"+15550001": []byte("RIFF....WAVE")}
	cache := clonecache.New(st, clonecache.WithClock(o.clock))
	orch := orchestrator.New(orchestrator.Config{
		Store:    st,
		Cache:    cache,
		Samples:  samples,
		Provider: p,
		Policy:   o.policy,
		Clock:    o.clock,
	})
	ctrl, err := New(Config{
		Store:        st,
		Samples:      samples,
		Orchestrator: orch,
		Provider:     p,
		HoldAudioURL: "https://cdn.example/hold.mp3",
		Fallback:     o.fallback,
		Clock:        o.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		ctrl.Wait()
		cache.Flush()
	})
	return &fixture{store: st, provider: p, orch: orch, ctrl: ctrl}
}

func inbound(callID, callerID string) Context {
	return Context{CallID: callID, CallerID: callerID, Protocol: store.ProtocolTwilio}
}

// pollUntilDecided calls CheckStatus until it stops returning hold.
func (f *fixture) pollUntilDecided(t *testing.T, callID string) Instructions {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		in, err := f.ctrl.CheckStatus(context.Background(), callID)
		if err != nil {
			t.Fatalf("CheckStatus: %v", err)
		}
		if in.Kind() != KindHold {
			return in
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("call %s still on hold", callID)
	return Instructions{}
}

func (f *fixture) record(t *testing.T, callID string) store.CallRecord {
	t.Helper()
	rec, err := f.store.GetCall(context.Background(), callID)
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	return rec
}

// cloningFailsStore refuses the pending to cloning write.
type cloningFailsStore struct {
	*store.MemStore
}

func (s cloningFailsStore) Transition(ctx context.Context, callID string, to store.Status, upd store.Update) (bool, error) {
	if to == store.StatusCloning {
		return false, errors.New("store unavailable")
	}
	return s.MemStore.Transition(ctx, callID, to, upd)
}

// ─── controller ──────────────────────────────────────────────────────────────

func TestController_HappyPath(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CloneVoiceID: "voice-1",
		CloneDelay:   20 * time.Millisecond,
		Session:      voice.Session{ID: "sess-1", MediaURL: "wss://agent/1"},
	}
	f := newFixture(t, p, fixtureOpts{})

	start := time.Now()
	in, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA1", "tel:+1 555 0001"))
	if err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("HandleInboundCall took %v", elapsed)
	}
	if err := in.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if in.Kind() != KindHold || in.PollAfter != clock.DefaultPollInterval || in.SpeechText != DefaultGreeting {
		t.Errorf("first instructions = %+v", in)
	}
	if in.HoldAudioRef != "https://cdn.example/hold.mp3" {
		t.Errorf("HoldAudioRef = %q", in.HoldAudioRef)
	}

	got := f.pollUntilDecided(t, "CA1")
	if got.Kind() != KindConnect || got.Connect.ID != "sess-1" || got.Connect.MediaURL != "wss://agent/1" {
		t.Fatalf("final instructions = %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	rec := f.record(t, "CA1")
	if rec.CallerID != "+15550001" || rec.Status != store.StatusConnected || rec.ClonedVoiceID != "voice-1" {
		t.Errorf("record = %+v", rec)
	}
}

func TestController_InboundIsIdempotent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	p := &mock.Provider{CloneVoiceID: "v", CloneBlock: block, Session: voice.Session{ID: "s", MediaURL: "wss://a"}}
	f := newFixture(t, p, fixtureOpts{})

	var wg sync.WaitGroup
	results := make([]Instructions, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.ctrl.HandleInboundCall(context.Background(), inbound("CA2", "+15550001"))
		}()
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i].Kind() != KindHold {
			t.Errorf("call %d: kind = %s", i, results[i].Kind())
		}
	}

	close(block)
	f.pollUntilDecided(t, "CA2")
	if p.CloneCalls() != 1 {
		t.Errorf("clone calls = %d, want 1", p.CloneCalls())
	}
}

func TestController_MissingSampleFailsFast(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CloneVoiceID: "never"}
	f := newFixture(t, p, fixtureOpts{fallback: FallbackPolicy{OnFailure: FallbackDefaultVoice, OnTimeout: FallbackDefaultVoice}})

	in, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA3", "+19990000"))
	if err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	if in.Kind() != KindTerminal || !in.ShouldHangup || in.TerminalError == "" {
		t.Errorf("instructions = %+v, want terminal hangup", in)
	}

	rec := f.record(t, "CA3")
	if rec.Status != store.StatusFailed || rec.FailureKind != store.FailureNoSample {
		t.Errorf("record = %+v", rec)
	}
	if f.orch.Running("CA3") {
		t.Error("orchestrator started for caller without sample")
	}
	evs, _ := f.store.ListEvents(context.Background(), "CA3")
	if len(evs) != 1 || evs[0].Kind != store.EventFailed || evs[0].Cause == "" {
		t.Errorf("events = %+v", evs)
	}

	// The default-voice fallback never applies to a missing sample.
	again, err := f.ctrl.CheckStatus(context.Background(), "CA3")
	if err != nil || again.Kind() != KindTerminal {
		t.Errorf("CheckStatus = %+v, %v", again, err)
	}
	f.ctrl.Wait()
	if p.CloneCalls() != 0 || len(p.SessionCalls()) != 0 {
		t.Errorf("provider called: clone=%d session=%d", p.CloneCalls(), len(p.SessionCalls()))
	}
}

func TestController_UnknownCall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{}, fixtureOpts{})
	ctx := context.Background()

	if _, err := f.ctrl.CheckStatus(ctx, "nope"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("CheckStatus err = %v, want ErrUnknownCall", err)
	}
	if err := f.ctrl.Hangup(ctx, "nope", ""); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Hangup err = %v, want ErrUnknownCall", err)
	}
	if _, _, err := f.ctrl.Inspect(ctx, "nope"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Inspect err = %v, want ErrUnknownCall", err)
	}
}

func TestController_InvalidInbound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{}, fixtureOpts{})
	tests := []struct {
		name string
		cc   Context
	}{
		{"missing call id", Context{CallerID: "+15550001"}},
		{"missing caller", Context{CallID: "CA"}},
		{"bad protocol", Context{CallID: "CA", CallerID: "+15550001", Protocol: "pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.ctrl.HandleInboundCall(context.Background(), tt.cc); !errors.Is(err, ErrInvalidCall) {
				t.Errorf("err = %v, want ErrInvalidCall", err)
			}
		})
	}
}

func TestController_CheckStatusEnforcesDeadline(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	p := &mock.Provider{CloneVoiceID: "v", CloneBlock: make(chan struct{})}
	f := newFixture(t, p, fixtureOpts{clock: clk})

	if _, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA4", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	in, _ := f.ctrl.CheckStatus(context.Background(), "CA4")
	if in.Kind() != KindHold {
		t.Fatalf("before deadline: %+v", in)
	}

	clk.Advance(clock.DefaultDeadline + time.Second)
	in, err := f.ctrl.CheckStatus(context.Background(), "CA4")
	if err != nil {
		t.Fatalf("CheckStatus: %v", err)
	}
	if in.Kind() != KindTerminal || !in.ShouldHangup {
		t.Errorf("after deadline: %+v", in)
	}
	rec := f.record(t, "CA4")
	if rec.Status != store.StatusTimedOut || rec.FailureKind != store.FailureDeadline {
		t.Errorf("record = %+v", rec)
	}
}

func TestController_Hangup(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CloneVoiceID: "v", CloneBlock: make(chan struct{})}
	f := newFixture(t, p, fixtureOpts{fallback: FallbackPolicy{OnFailure: FallbackDefaultVoice}})
	ctx := context.Background()

	if _, err := f.ctrl.HandleInboundCall(ctx, inbound("CA5", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	if err := f.ctrl.Hangup(ctx, "CA5", "completed"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	rec := f.record(t, "CA5")
	if rec.Status != store.StatusFailed || rec.FailureKind != store.FailureHangup {
		t.Fatalf("record = %+v", rec)
	}
	if !strings.Contains(rec.FailureCause, orchestrator.CauseHangup) || !strings.Contains(rec.FailureCause, "completed") {
		t.Errorf("cause = %q", rec.FailureCause)
	}

	// Hanging up twice is harmless and a hung-up call never gets a fallback.
	if err := f.ctrl.Hangup(ctx, "CA5", ""); err != nil {
		t.Errorf("second Hangup: %v", err)
	}
	in, _ := f.ctrl.CheckStatus(ctx, "CA5")
	if in.Kind() != KindTerminal {
		t.Errorf("CheckStatus after hangup = %+v", in)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.orch.Running("CA5") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if f.orch.Running("CA5") {
		t.Error("workflow still running after hangup")
	}
}

func TestController_HangupStopsPendingFallback(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	p := &mock.Provider{
		CloneBlock:   make(chan struct{}),
		Session:      voice.Session{ID: "sess-late", MediaURL: "wss://agent/late"},
		SessionDelay: 100 * time.Millisecond,
	}
	f := newFixture(t, p, fixtureOpts{clock: clk, fallback: FallbackPolicy{OnTimeout: FallbackDefaultVoice}})
	ctx := context.Background()

	if _, err := f.ctrl.HandleInboundCall(ctx, inbound("CA12", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	clk.Advance(time.Minute)
	if in, _ := f.ctrl.CheckStatus(ctx, "CA12"); in.Kind() != KindHold {
		t.Fatalf("timed out call with fallback = %+v, want hold while the session starts", in)
	}
	if err := f.ctrl.Hangup(ctx, "CA12", "completed"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	f.ctrl.Wait()

	rec := f.record(t, "CA12")
	if !rec.Session.IsZero() || rec.Fallback {
		t.Errorf("fallback session connected after hangup: %+v", rec.Session)
	}
	if rec.FallbackError != orchestrator.CauseHangup {
		t.Errorf("fallback error = %q, want %q", rec.FallbackError, orchestrator.CauseHangup)
	}
	if in, _ := f.ctrl.CheckStatus(ctx, "CA12"); in.Kind() != KindTerminal {
		t.Errorf("CheckStatus after hangup = %+v, want terminal", in)
	}
}

func TestController_FallbackToDefaultVoice(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CloneErr: voice.StatusError("clone", 400, errors.New("bad sample")),
		Session:  voice.Session{ID: "sess-default", MediaURL: "wss://agent/default"},
	}
	f := newFixture(t, p, fixtureOpts{fallback: FallbackPolicy{OnFailure: FallbackDefaultVoice, DefaultVoiceID: "default-voice"}})
	ctx := context.Background()

	if _, err := f.ctrl.HandleInboundCall(ctx, inbound("CA6", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}

	got := f.pollUntilDecided(t, "CA6")
	if got.Kind() != KindConnect || got.Connect.ID != "sess-default" {
		t.Fatalf("final instructions = %+v", got)
	}

	rec := f.record(t, "CA6")
	if rec.Status != store.StatusFailed || !rec.Fallback || rec.Session.VoiceID != "default-voice" {
		t.Errorf("record = %+v", rec)
	}
	calls := p.SessionCalls()
	if len(calls) != 1 || calls[0].VoiceID != "default-voice" || !calls[0].Call.Fallback {
		t.Errorf("session calls = %+v", calls)
	}
}

func TestController_FallbackWithoutDefaultVoiceID(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	p := &mock.Provider{CloneBlock: make(chan struct{}), Session: voice.Session{ID: "sess-agent", MediaURL: "wss://agent/own"}}
	f := newFixture(t, p, fixtureOpts{clock: clk, fallback: FallbackPolicy{OnTimeout: FallbackDefaultVoice}})

	if _, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA11", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	clk.Advance(time.Minute)

	got := f.pollUntilDecided(t, "CA11")
	if got.Kind() != KindConnect || got.Connect.ID != "sess-agent" {
		t.Fatalf("final instructions = %+v, want connect to the agent's own voice", got)
	}
	rec := f.record(t, "CA11")
	if rec.Status != store.StatusTimedOut || !rec.Fallback || rec.FallbackError != "" {
		t.Errorf("record = %+v", rec)
	}
	calls := p.SessionCalls()
	if len(calls) != 1 || calls[0].VoiceID != "" || !calls[0].Call.Fallback {
		t.Errorf("session calls = %+v", calls)
	}
}

func TestController_FallbackSessionFails(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		CloneErr:   voice.StatusError("clone", 400, errors.New("bad sample")),
		SessionErr: voice.StatusError("session", 500, errors.New("agent down")),
	}
	f := newFixture(t, p, fixtureOpts{fallback: FallbackPolicy{OnFailure: FallbackDefaultVoice}})

	if _, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA7", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	got := f.pollUntilDecided(t, "CA7")
	if got.Kind() != KindTerminal || !got.ShouldHangup {
		t.Fatalf("final instructions = %+v", got)
	}
	if rec := f.record(t, "CA7"); rec.FallbackError == "" {
		t.Error("fallback error not recorded")
	}
}

func TestController_TimeoutPolicyIndependentOfFailure(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	p := &mock.Provider{CloneBlock: make(chan struct{}), Session: voice.Session{ID: "s", MediaURL: "wss://a"}}
	f := newFixture(t, p, fixtureOpts{clock: clk, fallback: FallbackPolicy{OnFailure: FallbackDefaultVoice, OnTimeout: FallbackHangup}})

	if _, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA8", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	clk.Advance(time.Minute)
	in, _ := f.ctrl.CheckStatus(context.Background(), "CA8")
	if in.Kind() != KindTerminal {
		t.Errorf("timed out call = %+v, want terminal", in)
	}
	f.ctrl.Wait()
	if n := len(p.SessionCalls()); n != 0 {
		t.Errorf("session calls = %d, want 0", n)
	}
}

func TestController_Inspect(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CloneVoiceID: "v", Session: voice.Session{ID: "s", MediaURL: "wss://a"}}
	f := newFixture(t, p, fixtureOpts{})
	if _, err := f.ctrl.HandleInboundCall(context.Background(), inbound("CA9", "+15550001")); err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	f.pollUntilDecided(t, "CA9")

	deadline := time.Now().Add(2 * time.Second)
	for f.orch.Running("CA9") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	rec, evs, err := f.ctrl.Inspect(context.Background(), "CA9")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if rec.Status != store.StatusConnected || len(evs) != 2 {
		t.Errorf("Inspect = %+v, %d events", rec, len(evs))
	}
}

func TestNew_RequiresProviderForFallback(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	orch := orchestrator.New(orchestrator.Config{Store: st})
	_, err := New(Config{
		Store:        st,
		Samples:      stubSamples{},
		Orchestrator: orch,
		Fallback:     FallbackPolicy{OnTimeout: FallbackDefaultVoice},
	})
	if err == nil {
		t.Error("expected error without provider")
	}
}

// ─── policy, instructions, normalisation ─────────────────────────────────────

func TestFallbackPolicy_ActionFor(t *testing.T) {
	t.Parallel()

	p := FallbackPolicy{OnFailure: FallbackDefaultVoice, OnTimeout: FallbackHangup}
	tests := []struct {
		rec  store.CallRecord
		want FallbackAction
	}{
		{store.CallRecord{Status: store.StatusFailed, FailureKind: store.FailureProvider}, FallbackDefaultVoice},
		{store.CallRecord{Status: store.StatusFailed, FailureKind: store.FailureNoSample}, FallbackHangup},
		{store.CallRecord{Status: store.StatusFailed, FailureKind: store.FailureHangup}, FallbackHangup},
		{store.CallRecord{Status: store.StatusTimedOut, FailureKind: store.FailureDeadline}, FallbackHangup},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.rec.Status, tt.rec.FailureKind), func(t *testing.T) {
			t.Parallel()
			if got := p.actionFor(tt.rec); got != tt.want {
				t.Errorf("actionFor = %q, want %q", got, tt.want)
			}
		})
	}

	if got := (FallbackPolicy{}).actionFor(store.CallRecord{Status: store.StatusFailed}); got != FallbackHangup {
		t.Errorf("zero policy = %q, want hangup", got)
	}
}

func TestInstructions_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      Instructions
		kind    Kind
		wantErr bool
	}{
		{"hold", Hold("hi", "", time.Second), KindHold, false},
		{"connect", Connect(store.Session{ID: "s", MediaURL: "wss://a"}), KindConnect, false},
		{"terminal", Terminal("bye", true), KindTerminal, false},
		{"empty", Instructions{}, KindHold, true},
		{"hold without poll", Hold("hi", "", 0), KindHold, true},
		{"connect without url", Connect(store.Session{ID: "s"}), KindConnect, true},
		{"hangup without error", Instructions{ShouldHangup: true}, KindTerminal, true},
		{"poll and connect", Instructions{PollAfter: time.Second, Connect: &store.Session{MediaURL: "wss://a"}}, KindConnect, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.in.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if got := tt.in.Kind(); got != tt.kind {
				t.Errorf("Kind() = %s, want %s", got, tt.kind)
			}
		})
	}
}

func TestNormalizeCallerID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+15550001234", want: "+15550001234"},
		{in: "tel:+1-555-000-1234", want: "+15550001234"},
		{in: "sip:+4930123@pbx.example;user=phone", want: "+4930123"},
		{in: "SIPS:+4930123@pbx.example", want: "+4930123"},
		{in: "(555) 000 1234", want: "+5550001234"},
		{in: "0049 30 123", want: "+4930123"},
		{in: "sip:Anonymous@anonymous.invalid", want: "anonymous"},
		{in: "  ", wantErr: true},
		{in: "tel:", wantErr: true},
		{in: "+--", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeCallerID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeCallerID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestController_StartFailureEndsCall(t *testing.T) {
	t.Parallel()

	mem := store.NewMemStore()
	st := cloningFailsStore{mem}
	p := &mock.Provider{CloneVoiceID: "v"}
	samples := stubSamples{"+15550001": []byte("RIFF....WAVE")}
	orch := orchestrator.New(orchestrator.Config{
		Store:    st,
		Cache:    clonecache.New(mem),
		Samples:  samples,
		Provider: p,
	})
	ctrl, err := New(Config{Store: st, Samples: samples, Orchestrator: orch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	in, err := ctrl.HandleInboundCall(ctx, inbound("CA13", "+15550001"))
	if err != nil {
		t.Fatalf("HandleInboundCall: %v", err)
	}
	if in.Kind() != KindTerminal || !in.ShouldHangup {
		t.Fatalf("instructions = %+v, want terminal hangup", in)
	}
	rec, _ := mem.GetCall(ctx, "CA13")
	if rec.Status != store.StatusFailed || rec.FailureKind != store.FailureInternal {
		t.Errorf("record = %+v, want failed/internal", rec)
	}

	// A repeated notification must not leave the caller on hold.
	again, err := ctrl.HandleInboundCall(ctx, inbound("CA13", "+15550001"))
	if err != nil || again.Kind() != KindTerminal {
		t.Errorf("repeat = %+v, %v; want terminal", again, err)
	}
	if orch.Running("CA13") || p.CloneCalls() != 0 {
		t.Error("workflow started despite failed start")
	}
}
