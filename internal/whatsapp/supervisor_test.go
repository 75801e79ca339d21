package whatsapp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lumavoz/conecta/internal/domain"
	"github.com/lumavoz/conecta/pkg/config"
)

// --- fakes ---

type fakeSocket struct {
	mu       sync.Mutex
	closed   bool
	sendErr  error
	lastSent string
}

func (s *fakeSocket) SendText(ctx context.Context, to, body string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", time.Time{}, s.sendErr
	}
	s.lastSent = body
	return "SENT-1", time.Now(), nil
}

func (s *fakeSocket) Connected() bool { return !s.closed }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failFrom int // fail dials numbered >= failFrom (1-based); 0 never fails
	handlers map[string]func(Event)
	ctxs     map[string]context.Context
	socket   *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		handlers: make(map[string]func(Event)),
		ctxs:     make(map[string]context.Context),
		socket:   &fakeSocket{},
	}
}

func (d *fakeDialer) Dial(ctx context.Context, instanceID string, handler func(Event)) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failFrom > 0 && d.dials >= d.failFrom {
		return nil, errors.New("dial refused")
	}
	d.handlers[instanceID] = handler
	d.ctxs[instanceID] = ctx
	return d.socket, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastCtx(instanceID string) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctxs[instanceID]
}

func (d *fakeDialer) fire(instanceID string, ev Event) {
	d.mu.Lock()
	handler := d.handlers[instanceID]
	d.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

type recordedNotification struct {
	kind       string
	instanceID string
	status     string
	msg        *domain.NormalizedMessage
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedNotification
}

func (n *recordingNotifier) NotifyQRCode(instanceID, qr string) {
	n.record(recordedNotification{kind: "qr", instanceID: instanceID})
}

func (n *recordingNotifier) NotifyConnection(instanceID, status, phone, profileName string) {
	n.record(recordedNotification{kind: "connection", instanceID: instanceID, status: status})
}

func (n *recordingNotifier) NotifyMessage(instanceID, ownerID string, msg *domain.NormalizedMessage) {
	n.record(recordedNotification{kind: "message", instanceID: instanceID, msg: msg})
}

func (n *recordingNotifier) record(ev recordedNotification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) all() []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]recordedNotification, len(n.events))
	copy(out, n.events)
	return out
}

func (n *recordingNotifier) messages() []*domain.NormalizedMessage {
	var out []*domain.NormalizedMessage
	for _, ev := range n.all() {
		if ev.kind == "message" {
			out = append(out, ev.msg)
		}
	}
	return out
}

// gatedDialer blocks every dial until released, exposing the window where
// the instance map can change while the dial is in flight.
type gatedDialer struct {
	started chan struct{}
	release chan struct{}
	socket  *fakeSocket
}

func (d *gatedDialer) Dial(ctx context.Context, instanceID string, handler func(Event)) (Socket, error) {
	d.started <- struct{}{}
	<-d.release
	return d.socket, nil
}

type recordingCleaner struct {
	mu      sync.Mutex
	deleted []string
}

func (c *recordingCleaner) DeleteInstanceMedia(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, instanceID)
	return nil
}

type memoryRegistry struct {
	mu      sync.Mutex
	records map[string]*domain.InstanceRecord
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{records: make(map[string]*domain.InstanceRecord)}
}

func (r *memoryRegistry) Upsert(ctx context.Context, rec *domain.InstanceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *rec
	r.records[rec.InstanceID] = &stored
	return nil
}

func (r *memoryRegistry) UpdateStatus(ctx context.Context, instanceID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[instanceID]; ok {
		rec.Status = status
	}
	return nil
}

func (r *memoryRegistry) UpdateIdentity(ctx context.Context, instanceID, jid, phone, profileName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[instanceID]; ok {
		rec.JID = &jid
		rec.Phone = &phone
		rec.ProfileName = &profileName
		rec.Status = domain.StatusConnected
	}
	return nil
}

func (r *memoryRegistry) GetRecoverable(ctx context.Context) ([]*domain.InstanceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.InstanceRecord
	for _, rec := range r.records {
		if rec.JID != nil && rec.Status != domain.StatusLoggedOut && rec.Status != domain.StatusError {
			stored := *rec
			out = append(out, &stored)
		}
	}
	return out, nil
}

func (r *memoryRegistry) Delete(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, instanceID)
	return nil
}

// --- helpers ---

func testConfig() *config.Config {
	return &config.Config{
		ReconnectDelay: 20 * time.Millisecond,
		MaxReconnect:   3,
		ConnectTimeout: time.Second,
		QueryTimeout:   time.Second,
		DispatchDelay:  0,
	}
}

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeDialer, *recordingNotifier) {
	t.Helper()
	dialer := newFakeDialer()
	notifier := &recordingNotifier{}
	sup := NewSupervisor(dialer, nil, nil, notifier, nil, newMemoryRegistry(), nil, testConfig())
	return sup, dialer, notifier
}

func waitForDials(t *testing.T, d *fakeDialer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.dialCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never reached %d dials, got %d", n, d.dialCount())
}

func waitForStatus(t *testing.T, sup *Supervisor, instanceID, status string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := sup.GetInstance(instanceID)
		if err == nil && inst.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	inst, _ := sup.GetInstance(instanceID)
	t.Fatalf("instance never reached %s, last state: %+v", status, inst)
}

// --- tests ---

func TestCreateInstanceDuplicate(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "user-1", false); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := sup.CreateInstance(context.Background(), "inst-1", "user-1", false); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second create error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateInstanceRecoveryIsIdempotent(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", true); err != nil {
		t.Fatalf("recovery create must not fail on existing instance: %v", err)
	}
}

func TestCreateInstanceDialFailure(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)
	dialer.failFrom = 1

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err == nil {
		t.Fatal("expected dial failure to surface")
	}

	inst, err := sup.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("instance must survive a failed dial: %v", err)
	}
	if inst.Status != domain.StatusError {
		t.Fatalf("status = %s, want %s", inst.Status, domain.StatusError)
	}
}

func TestDeleteInstanceNotFound(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)

	if err := sup.DeleteInstance(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestLifecycleQRThenConnect(t *testing.T) {
	sup, dialer, notifier := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dialer.fire("inst-1", QREvent{Code: "pairing-code"})
	waitForStatus(t, sup, "inst-1", domain.StatusWaitingQR)

	qr, err := sup.GetQRCode("inst-1")
	if err != nil || qr == "" {
		t.Fatalf("GetQRCode() = %q, %v", qr, err)
	}

	dialer.fire("inst-1", OpenEvent{JID: "5511@s.whatsapp.net", Phone: "5511", ProfileName: "Ana"})
	waitForStatus(t, sup, "inst-1", domain.StatusConnected)

	// QR is gone once connected
	qr, _ = sup.GetQRCode("inst-1")
	if qr != "" {
		t.Fatal("QR code must be cleared after connect")
	}

	var sawQR, sawConnected bool
	for _, ev := range notifier.all() {
		switch ev.kind {
		case "qr":
			sawQR = true
		case "connection":
			if ev.status == domain.StatusConnected {
				sawConnected = true
			}
		}
	}
	if !sawQR || !sawConnected {
		t.Fatalf("missing notifications, saw qr=%v connected=%v", sawQR, sawConnected)
	}
}

func TestReconnectStopsAtCap(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// The connection drops again right after every successful redial.
	for i := 0; i < sup.cfg.MaxReconnect; i++ {
		dialer.fire("inst-1", CloseEvent{Cause: CauseRetryable})
		waitForDials(t, dialer, 2+i)
	}

	// One more drop past the cap: error, no further redials.
	dialer.fire("inst-1", CloseEvent{Cause: CauseRetryable})
	waitForStatus(t, sup, "inst-1", domain.StatusError)

	time.Sleep(100 * time.Millisecond)
	inst, _ := sup.GetInstance("inst-1")
	if inst.Attempts != sup.cfg.MaxReconnect {
		t.Fatalf("attempts = %d, want %d", inst.Attempts, sup.cfg.MaxReconnect)
	}
	// initial dial + exactly MaxReconnect redials
	if got := dialer.dialCount(); got != 1+sup.cfg.MaxReconnect {
		t.Fatalf("dials = %d, want %d", got, 1+sup.cfg.MaxReconnect)
	}

	// The instance leaves the retry registry once the cap is hit.
	sup.mu.Lock()
	_, tracked := sup.attempts["inst-1"]
	sup.mu.Unlock()
	if tracked {
		t.Fatal("instance must be removed from the retry registry at the cap")
	}
}

func TestReconnectDialFailureGoesToError(t *testing.T) {
	sup, dialer, notifier := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Every redial fails from here on
	dialer.mu.Lock()
	dialer.failFrom = 2
	dialer.mu.Unlock()

	dialer.fire("inst-1", CloseEvent{Cause: CauseRetryable})
	waitForStatus(t, sup, "inst-1", domain.StatusError)

	// A redial that cannot even start ends the retry cycle immediately.
	time.Sleep(100 * time.Millisecond)
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dials = %d, want 2 (a failed redial must not be retried)", got)
	}

	sup.mu.Lock()
	_, tracked := sup.attempts["inst-1"]
	sup.mu.Unlock()
	if tracked {
		t.Fatal("instance must leave the retry registry after a failed redial")
	}

	var sawError bool
	for _, ev := range notifier.all() {
		if ev.kind == "connection" && ev.status == domain.StatusError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("error status was never notified")
	}
}

func TestLoggedOutNeverReconnects(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dialer.fire("inst-1", CloseEvent{Cause: CauseLoggedOut})
	waitForStatus(t, sup, "inst-1", domain.StatusLoggedOut)

	time.Sleep(100 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials = %d, logout must not trigger reconnects", got)
	}
}

func TestDeleteCancelsPendingReconnect(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)
	sup.cfg.ReconnectDelay = 60 * time.Millisecond

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dialer.fire("inst-1", CloseEvent{Cause: CauseRetryable})
	waitForStatus(t, sup, "inst-1", domain.StatusReconnecting)

	if err := sup.DeleteInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("dials = %d, pending reconnect must be cancelled by delete", got)
	}
	if _, err := sup.GetInstance("inst-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("instance still present after delete: %v", err)
	}
}

func TestDeleteDuringDialDiscardsSocket(t *testing.T) {
	dialer := &gatedDialer{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		socket:  &fakeSocket{},
	}
	sup := NewSupervisor(dialer, nil, nil, &recordingNotifier{}, nil, newMemoryRegistry(), nil, testConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := sup.CreateInstance(context.Background(), "inst-1", "", false)
		errCh <- err
	}()

	// Delete lands while the dial is still blocked.
	<-dialer.started
	if err := sup.DeleteInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	close(dialer.release)

	if err := <-errCh; !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("create racing a delete = %v, want ErrNotFound", err)
	}

	dialer.socket.mu.Lock()
	closed := dialer.socket.closed
	dialer.socket.mu.Unlock()
	if !closed {
		t.Fatal("socket dialed for a deleted instance must be closed")
	}

	sup.mu.Lock()
	_, registered := sup.sockets["inst-1"]
	sup.mu.Unlock()
	if registered {
		t.Fatal("no socket may stay registered for a deleted instance")
	}
}

func TestSocketContextSpansSocketLifetime(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ctx := dialer.lastCtx("inst-1")
	if ctx == nil {
		t.Fatal("dialer never saw a context")
	}
	select {
	case <-ctx.Done():
		t.Fatal("socket context must stay alive after the dial returns")
	default:
	}

	if err := sup.DeleteInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("socket context must be cancelled when the instance is deleted")
	}

	// Shutdown cancels the remaining socket contexts the same way.
	if _, err := sup.CreateInstance(context.Background(), "inst-2", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	ctx2 := dialer.lastCtx("inst-2")
	sup.Shutdown()
	select {
	case <-ctx2.Done():
	case <-time.After(time.Second):
		t.Fatal("socket context must be cancelled on shutdown")
	}
}

func TestDeleteInstanceRemovesArchivedMedia(t *testing.T) {
	dialer := newFakeDialer()
	cleaner := &recordingCleaner{}
	sup := NewSupervisor(dialer, nil, cleaner, &recordingNotifier{}, nil, newMemoryRegistry(), nil, testConfig())

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := sup.DeleteInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	if len(cleaner.deleted) != 1 || cleaner.deleted[0] != "inst-1" {
		t.Fatalf("archived media cleanup = %v, want [inst-1]", cleaner.deleted)
	}
}

func TestSendTextRequiresConnection(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := sup.SendText(context.Background(), "inst-1", "5511", "oi"); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
	if _, err := sup.SendText(context.Background(), "ghost", "5511", "oi"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	dialer.fire("inst-1", OpenEvent{Phone: "5511"})
	waitForStatus(t, sup, "inst-1", domain.StatusConnected)

	msg, err := sup.SendText(context.Background(), "inst-1", "5522", "oi, tudo bem?")
	if err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if !msg.FromMe || msg.Body != "oi, tudo bem?" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestSentEchoSuppressedButPhoneSendsPass(t *testing.T) {
	sup, dialer, notifier := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	dialer.fire("inst-1", OpenEvent{Phone: "5511"})
	waitForStatus(t, sup, "inst-1", domain.StatusConnected)

	if _, err := sup.SendText(context.Background(), "inst-1", "5522", "oi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	// Protocol echo of the API send: must be suppressed
	dialer.fire("inst-1", MessageEvent{Envelope: Envelope{
		MessageID: "SENT-1", ChatJID: "5522@s.whatsapp.net", FromMe: true,
		Kind: EnvelopeConversation, Text: "oi",
	}})

	// Same direction but sent from the phone: must pass through
	dialer.fire("inst-1", MessageEvent{Envelope: Envelope{
		MessageID: "PHONE-1", ChatJID: "5522@s.whatsapp.net", FromMe: true,
		Kind: EnvelopeConversation, Text: "respondi pelo celular",
	}})

	msgs := notifier.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (echo suppressed, phone send kept)", len(msgs))
	}
	if msgs[0].MessageID != "PHONE-1" {
		t.Fatalf("wrong message passed: %s", msgs[0].MessageID)
	}
}

func TestGroupAndBroadcastChatsFiltered(t *testing.T) {
	sup, dialer, notifier := newTestSupervisor(t)

	if _, err := sup.CreateInstance(context.Background(), "inst-1", "", false); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	for _, chat := range []string{"123@g.us", "status@broadcast", "456@newsletter"} {
		dialer.fire("inst-1", MessageEvent{Envelope: Envelope{
			MessageID: "m-" + chat, ChatJID: chat, Kind: EnvelopeConversation, Text: "x",
		}})
	}
	dialer.fire("inst-1", MessageEvent{Envelope: Envelope{
		MessageID: "m-direct", ChatJID: "5511@s.whatsapp.net", Kind: EnvelopeConversation, Text: "oi",
	}})

	msgs := notifier.messages()
	if len(msgs) != 1 || msgs[0].MessageID != "m-direct" {
		t.Fatalf("messages = %+v, want only the direct chat", msgs)
	}
}

func TestEventsForUnknownInstanceIgnored(t *testing.T) {
	sup, _, notifier := newTestSupervisor(t)

	// No instance registered, events must be dropped without panicking.
	sup.handleEvent("ghost", QREvent{Code: "x"})
	sup.handleEvent("ghost", CloseEvent{Cause: CauseRetryable})

	if len(notifier.all()) != 0 {
		t.Fatal("events for unknown instances must not notify")
	}
}

func TestStats(t *testing.T) {
	sup, dialer, _ := newTestSupervisor(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := sup.CreateInstance(context.Background(), id, "", false); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
	}
	dialer.fire("a", OpenEvent{Phone: "5511"})
	dialer.fire("b", QREvent{Code: "pairing"})
	dialer.fire("c", CloseEvent{Cause: CauseLoggedOut})
	waitForStatus(t, sup, "a", domain.StatusConnected)
	waitForStatus(t, sup, "b", domain.StatusWaitingQR)
	waitForStatus(t, sup, "c", domain.StatusLoggedOut)

	stats := sup.Stats()
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.Connected != 1 || stats.WaitingQR != 1 || stats.LoggedOut != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// Each status lands in exactly one bucket.
	if stats.Connecting != 0 {
		t.Fatalf("connecting = %d, want 0 (waiting_qr is its own bucket)", stats.Connecting)
	}
}

func TestLoadExistingInstances(t *testing.T) {
	dialer := newFakeDialer()
	notifier := &recordingNotifier{}
	registry := newMemoryRegistry()

	jid := "5511@s.whatsapp.net"
	_ = registry.Upsert(context.Background(), &domain.InstanceRecord{InstanceID: "paired", Status: domain.StatusDisconnected})
	registry.records["paired"].JID = &jid
	_ = registry.Upsert(context.Background(), &domain.InstanceRecord{InstanceID: "never-paired", Status: domain.StatusDisconnected})

	sup := NewSupervisor(dialer, nil, nil, notifier, nil, registry, nil, testConfig())
	if err := sup.LoadExistingInstances(context.Background()); err != nil {
		t.Fatalf("LoadExistingInstances() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := sup.GetInstance("paired"); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := sup.GetInstance("paired"); err != nil {
		t.Fatalf("paired instance not recovered: %v", err)
	}
	if _, err := sup.GetInstance("never-paired"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatal("unpaired instance must not be recovered")
	}
}
