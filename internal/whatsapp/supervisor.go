package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lumavoz/conecta/internal/domain"
	"github.com/lumavoz/conecta/pkg/cache"
	"github.com/lumavoz/conecta/pkg/config"
	gocache "github.com/patrickmn/go-cache"
)

// Notifier delivers lifecycle and message notifications to the CRM side.
// Implementations enqueue and return immediately; delivery failures never
// propagate back into the supervisor.
type Notifier interface {
	NotifyQRCode(instanceID, qrDataURL string)
	NotifyConnection(instanceID, status, phone, profileName string)
	NotifyMessage(instanceID, ownerID string, msg *domain.NormalizedMessage)
}

// Broadcaster pushes realtime updates to dashboard websocket clients.
type Broadcaster interface {
	BroadcastInstanceStatus(instanceID, status string)
	BroadcastQRCode(instanceID, qrDataURL string)
	BroadcastNewMessage(instanceID string, msg *domain.NormalizedMessage)
}

// MediaCleaner removes archived media for an instance. Satisfied by
// storage.Storage; nil disables media cleanup.
type MediaCleaner interface {
	DeleteInstanceMedia(ctx context.Context, instanceID string) error
}

// InstanceRegistry is the slice of instance persistence the supervisor needs.
// Satisfied by repository.InstanceRepository.
type InstanceRegistry interface {
	Upsert(ctx context.Context, rec *domain.InstanceRecord) error
	UpdateStatus(ctx context.Context, instanceID, status string) error
	UpdateIdentity(ctx context.Context, instanceID, jid, phone, profileName string) error
	GetRecoverable(ctx context.Context) ([]*domain.InstanceRecord, error)
	Delete(ctx context.Context, instanceID string) error
}

const (
	sentCacheTTL = 5 * time.Minute
	dedupTTL     = 24 * time.Hour
)

// Supervisor owns the lifecycle of every protocol connection: it dials,
// watches socket events, applies the reconnect policy, and fans out
// notifications. All instance state lives behind one mutex; sockets are
// dialed and closed outside it.
type Supervisor struct {
	mu        sync.Mutex
	instances map[string]*domain.Instance
	sockets   map[string]Socket
	cancels   map[string]context.CancelFunc
	attempts  map[string]int
	timers    map[string]*time.Timer
	closing   map[string]bool

	dialer   Dialer
	sessions SessionStore
	media    MediaCleaner
	notifier Notifier
	hub      Broadcaster
	repo     InstanceRegistry
	cache    *cache.Cache
	sent     *gocache.Cache
	cfg      *config.Config
}

func NewSupervisor(dialer Dialer, sessions SessionStore, media MediaCleaner, notifier Notifier, hub Broadcaster, repo InstanceRegistry, c *cache.Cache, cfg *config.Config) *Supervisor {
	return &Supervisor{
		instances: make(map[string]*domain.Instance),
		sockets:   make(map[string]Socket),
		cancels:   make(map[string]context.CancelFunc),
		attempts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
		closing:   make(map[string]bool),
		dialer:    dialer,
		sessions:  sessions,
		media:     media,
		notifier:  notifier,
		hub:       hub,
		repo:      repo,
		cache:     c,
		sent:      gocache.New(sentCacheTTL, 10*time.Minute),
		cfg:       cfg,
	}
}

// CreateInstance registers a new instance and starts its first connection
// attempt. The dial itself is synchronous: a hard dial failure is reported
// to the caller and leaves the instance in the error state.
func (s *Supervisor) CreateInstance(ctx context.Context, instanceID, userID string, isRecovery bool) (*domain.Instance, error) {
	s.mu.Lock()
	if existing, ok := s.instances[instanceID]; ok {
		snapshot := *existing
		s.mu.Unlock()
		if isRecovery {
			return &snapshot, nil
		}
		return nil, domain.ErrAlreadyExists
	}

	now := time.Now()
	inst := &domain.Instance{
		InstanceID: instanceID,
		Status:     domain.StatusConnecting,
		IsRecovery: isRecovery,
		LastUpdate: now,
		CreatedAt:  now,
	}
	if userID != "" {
		inst.CreatedByUserID = &userID
	}
	s.instances[instanceID] = inst
	s.mu.Unlock()

	rec := &domain.InstanceRecord{InstanceID: instanceID, Status: domain.StatusConnecting, CreatedByUserID: inst.CreatedByUserID}
	if err := s.repo.Upsert(ctx, rec); err != nil {
		log.Printf("[Supervisor %s] Failed to persist instance: %v", instanceID, err)
	}
	s.broadcastStatus(instanceID, domain.StatusConnecting)

	if err := s.dial(instanceID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Deleted while the dial was in flight.
			return nil, domain.ErrNotFound
		}
		s.mu.Lock()
		if cur, ok := s.instances[instanceID]; ok {
			msg := err.Error()
			cur.Status = domain.StatusError
			cur.LastError = &msg
			cur.LastUpdate = time.Now()
		}
		s.mu.Unlock()
		_ = s.repo.UpdateStatus(ctx, instanceID, domain.StatusError)
		s.broadcastStatus(instanceID, domain.StatusError)
		return nil, fmt.Errorf("failed to start instance %s: %w", instanceID, err)
	}

	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	snapshot := *inst
	s.mu.Unlock()
	return &snapshot, nil
}

// dial opens a socket and registers it. The socket's context lives until the
// instance is deleted or the socket is replaced: pairing, event handling and
// media downloads all run on it long after the dial returns. Returns
// ErrNotFound when the instance disappeared while the dial was in flight.
// Never called while holding the lock.
func (s *Supervisor) dial(instanceID string) error {
	sockCtx, cancel := context.WithCancel(context.Background())

	sock, err := s.dialer.Dial(sockCtx, instanceID, func(ev Event) {
		s.handleEvent(instanceID, ev)
	})
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	if _, ok := s.instances[instanceID]; !ok || s.closing[instanceID] {
		s.mu.Unlock()
		cancel()
		_ = sock.Close()
		return domain.ErrNotFound
	}
	if old := s.cancels[instanceID]; old != nil {
		old()
	}
	if old := s.sockets[instanceID]; old != nil && old != sock {
		go func() { _ = old.Close() }()
	}
	s.sockets[instanceID] = sock
	s.cancels[instanceID] = cancel
	s.mu.Unlock()
	return nil
}

// DeleteInstance tears an instance down: pending retries are cancelled, the
// socket is closed and stored credentials are discarded.
func (s *Supervisor) DeleteInstance(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	if _, ok := s.instances[instanceID]; !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	s.closing[instanceID] = true
	if t := s.timers[instanceID]; t != nil {
		t.Stop()
		delete(s.timers, instanceID)
	}
	if cancel := s.cancels[instanceID]; cancel != nil {
		cancel()
		delete(s.cancels, instanceID)
	}
	sock := s.sockets[instanceID]
	delete(s.sockets, instanceID)
	delete(s.instances, instanceID)
	delete(s.attempts, instanceID)
	s.mu.Unlock()

	if sock != nil {
		if err := sock.Close(); err != nil {
			log.Printf("[Supervisor %s] Failed to close socket: %v", instanceID, err)
		}
	}
	if s.sessions != nil {
		if err := s.sessions.Delete(ctx, instanceID); err != nil {
			log.Printf("[Supervisor %s] Failed to delete session: %v", instanceID, err)
		}
	}
	if s.media != nil {
		if err := s.media.DeleteInstanceMedia(ctx, instanceID); err != nil {
			log.Printf("[Supervisor %s] Failed to delete archived media: %v", instanceID, err)
		}
	}
	if s.cache != nil {
		if err := s.cache.DelPattern(ctx, "msg:"+instanceID+":*"); err != nil {
			log.Printf("[Supervisor %s] Failed to clear dedup keys: %v", instanceID, err)
		}
	}
	if err := s.repo.Delete(ctx, instanceID); err != nil {
		log.Printf("[Supervisor %s] Failed to delete record: %v", instanceID, err)
	}

	s.mu.Lock()
	delete(s.closing, instanceID)
	s.mu.Unlock()

	log.Printf("[Supervisor %s] Instance deleted", instanceID)
	return nil
}

func (s *Supervisor) GetInstance(instanceID string) (*domain.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	snapshot := *inst
	return &snapshot, nil
}

func (s *Supervisor) ListInstances() []*domain.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		snapshot := *inst
		out = append(out, &snapshot)
	}
	return out
}

// GetQRCode returns the current pairing QR data URL, empty when none is
// pending.
func (s *Supervisor) GetQRCode(instanceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return "", domain.ErrNotFound
	}
	if inst.QRCode == nil {
		return "", nil
	}
	return *inst.QRCode, nil
}

// SendText sends a plain text message through a connected instance. The
// protocol echoes sent messages back as inbound events; the sent cache
// suppresses those echoes so the CRM is not notified about its own sends.
func (s *Supervisor) SendText(ctx context.Context, instanceID, to, body string) (*domain.NormalizedMessage, error) {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	sock := s.sockets[instanceID]
	connected := inst.Status == domain.StatusConnected
	s.mu.Unlock()

	if !connected || sock == nil {
		return nil, domain.ErrNotConnected
	}

	msgID, ts, err := sock.SendText(ctx, to, body)
	if err != nil {
		return nil, err
	}
	s.sent.Set(instanceID+":"+msgID, true, gocache.DefaultExpiration)

	return &domain.NormalizedMessage{
		MessageID:      msgID,
		ConversationID: to,
		FromMe:         true,
		Body:           body,
		MediaKind:      domain.MediaText,
		Timestamp:      ts,
	}, nil
}

// Stats aggregates all live instances by status.
func (s *Supervisor) Stats() domain.ConnectionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := domain.ConnectionStats{Timestamp: time.Now()}
	for _, inst := range s.instances {
		stats.Total++
		switch inst.Status {
		case domain.StatusConnected:
			stats.Connected++
		case domain.StatusConnecting:
			stats.Connecting++
		case domain.StatusWaitingQR:
			stats.WaitingQR++
		case domain.StatusReconnecting:
			stats.Reconnecting++
		case domain.StatusLoggedOut:
			stats.LoggedOut++
		case domain.StatusError, domain.StatusQRError:
			stats.Error++
		}
	}
	stats.ActiveAttempts = len(s.timers)
	return stats
}

// LoadExistingInstances reconnects every previously paired instance that did
// not end in a terminal state. Called once at boot; each instance connects
// in its own goroutine so one slow handshake never blocks the rest.
func (s *Supervisor) LoadExistingInstances(ctx context.Context) error {
	records, err := s.repo.GetRecoverable(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recoverable instances: %w", err)
	}

	log.Printf("[Supervisor] Recovering %d instance(s)", len(records))
	for _, rec := range records {
		rec := rec
		go func() {
			userID := ""
			if rec.CreatedByUserID != nil {
				userID = *rec.CreatedByUserID
			}
			if _, err := s.CreateInstance(ctx, rec.InstanceID, userID, true); err != nil {
				log.Printf("[Supervisor %s] Recovery failed: %v", rec.InstanceID, err)
			}
		}()
	}
	return nil
}

// Shutdown stops all retry timers and closes every socket.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	sockets := make([]Socket, 0, len(s.sockets))
	for id, sock := range s.sockets {
		s.closing[id] = true
		sockets = append(sockets, sock)
	}
	s.sockets = make(map[string]Socket)
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()

	for _, sock := range sockets {
		_ = sock.Close()
	}
	log.Printf("[Supervisor] Shut down, %d socket(s) closed", len(sockets))
}

// handleEvent is the single entry point for socket events. Lifecycle events
// run through the transition function under the lock; message events take
// the dispatch path.
func (s *Supervisor) handleEvent(instanceID string, ev Event) {
	if msgEv, ok := ev.(MessageEvent); ok {
		s.handleMessage(instanceID, msgEv.Envelope)
		return
	}

	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok || s.closing[instanceID] {
		s.mu.Unlock()
		return
	}

	next, attempts, actions := transition(*inst, s.attempts[instanceID], s.cfg.MaxReconnect, ev, time.Now())
	*inst = next
	s.attempts[instanceID] = attempts
	snapshot := next
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
	defer cancel()

	for _, act := range actions {
		switch a := act.(type) {
		case emitQR:
			log.Printf("[Supervisor %s] New pairing QR issued", instanceID)
			_ = s.repo.UpdateStatus(ctx, instanceID, snapshot.Status)
			s.notifier.NotifyQRCode(instanceID, a.DataURL)
			s.broadcastQR(instanceID, a.DataURL)
			s.broadcastStatus(instanceID, snapshot.Status)

		case emitConnected:
			log.Printf("[Supervisor %s] Connected as %s", instanceID, a.Phone)
			jid := ""
			if open, ok := ev.(OpenEvent); ok {
				jid = open.JID
			}
			if err := s.repo.UpdateIdentity(ctx, instanceID, jid, a.Phone, a.ProfileName); err != nil {
				log.Printf("[Supervisor %s] Failed to persist identity: %v", instanceID, err)
			}
			s.notifier.NotifyConnection(instanceID, domain.StatusConnected, a.Phone, a.ProfileName)
			s.broadcastStatus(instanceID, domain.StatusConnected)

		case emitDisconnected:
			log.Printf("[Supervisor %s] Disconnected (%s)", instanceID, snapshot.Status)
			_ = s.repo.UpdateStatus(ctx, instanceID, snapshot.Status)
			s.notifier.NotifyConnection(instanceID, snapshot.Status, "", "")
			s.broadcastStatus(instanceID, snapshot.Status)

		case scheduleReconnect:
			s.scheduleRetry(instanceID, a.Attempt)

		case clearRetry:
			s.mu.Lock()
			if t := s.timers[instanceID]; t != nil {
				t.Stop()
				delete(s.timers, instanceID)
			}
			delete(s.attempts, instanceID)
			s.mu.Unlock()
		}
	}
}

// scheduleRetry arms one reconnect timer for the instance. The timer is a
// no-op if the instance is deleted before it fires.
func (s *Supervisor) scheduleRetry(instanceID string, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing[instanceID] {
		return
	}
	if t := s.timers[instanceID]; t != nil {
		t.Stop()
	}

	log.Printf("[Supervisor %s] Reconnect attempt %d/%d in %s", instanceID, attempt, s.cfg.MaxReconnect, s.cfg.ReconnectDelay)
	s.timers[instanceID] = time.AfterFunc(s.cfg.ReconnectDelay, func() {
		s.mu.Lock()
		delete(s.timers, instanceID)
		_, ok := s.instances[instanceID]
		if !ok || s.closing[instanceID] {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		log.Printf("[Supervisor %s] Reconnecting (attempt %d)", instanceID, attempt)
		if err := s.dial(instanceID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return
			}
			log.Printf("[Supervisor %s] Reconnect dial failed: %v", instanceID, err)
			// A dial that cannot even start is not a dropped connection:
			// the instance goes to error and stops retrying.
			s.mu.Lock()
			if inst, ok := s.instances[instanceID]; ok && !s.closing[instanceID] {
				msg := err.Error()
				inst.Status = domain.StatusError
				inst.LastError = &msg
				inst.LastUpdate = time.Now()
				delete(s.attempts, instanceID)
			}
			s.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
			_ = s.repo.UpdateStatus(ctx, instanceID, domain.StatusError)
			cancel()
			s.notifier.NotifyConnection(instanceID, domain.StatusError, "", "")
			s.broadcastStatus(instanceID, domain.StatusError)
		}
	})
}

// handleMessage filters, deduplicates and normalizes one message envelope,
// then fans it out. Group, broadcast and channel chats are out of scope for
// the CRM and dropped at the door.
func (s *Supervisor) handleMessage(instanceID string, env Envelope) {
	s.mu.Lock()
	inst, ok := s.instances[instanceID]
	if !ok || s.closing[instanceID] {
		s.mu.Unlock()
		return
	}
	ownerID := ""
	if inst.CreatedByUserID != nil {
		ownerID = *inst.CreatedByUserID
	}
	s.mu.Unlock()

	if strings.HasSuffix(env.ChatJID, "@g.us") ||
		strings.HasSuffix(env.ChatJID, "@broadcast") ||
		strings.HasSuffix(env.ChatJID, "@newsletter") {
		return
	}

	// Messages sent through the API are echoed back by the protocol;
	// skip them so the CRM does not see its own sends twice.
	if env.FromMe {
		if _, found := s.sent.Get(instanceID + ":" + env.MessageID); found {
			return
		}
	}

	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.QueryTimeout)
		fresh, err := s.cache.SetNX(ctx, "msg:"+instanceID+":"+env.MessageID, []byte("1"), dedupTTL)
		cancel()
		if err == nil && !fresh {
			return
		}
	}

	msg, err := Normalize(env)
	if err != nil {
		log.Printf("[Supervisor %s] Dropping malformed message %q: %v", instanceID, env.MessageID, err)
		return
	}
	if msg == nil {
		return
	}

	s.notifier.NotifyMessage(instanceID, ownerID, msg)
	if s.hub != nil {
		s.hub.BroadcastNewMessage(instanceID, msg)
	}
}

func (s *Supervisor) broadcastStatus(instanceID, status string) {
	if s.hub != nil {
		s.hub.BroadcastInstanceStatus(instanceID, status)
	}
}

func (s *Supervisor) broadcastQR(instanceID, qr string) {
	if s.hub != nil {
		s.hub.BroadcastQRCode(instanceID, qr)
	}
}
