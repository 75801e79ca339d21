package whatsapp

import (
	"context"
	"fmt"
	"log"

	"github.com/lumavoz/conecta/internal/repository"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
)

// SessionStore persists per-instance auth state so a reconnect can resume a
// prior identity without re-scanning a QR code.
type SessionStore interface {
	// Load returns the device store for an instance, creating a fresh one
	// when the instance has never paired.
	Load(ctx context.Context, instanceID string) (*store.Device, error)
	// Save records the authenticated JID for an instance after pairing.
	Save(ctx context.Context, instanceID string, jid types.JID) error
	// Delete discards the persisted auth state for an instance.
	Delete(ctx context.Context, instanceID string) error
}

// sqlSessionStore maps instance ids to whatsmeow device stores through the
// instance registry. Credential material itself is persisted by the sqlstore
// container on every credential update.
type sqlSessionStore struct {
	container *sqlstore.Container
	instances *repository.InstanceRepository
}

func NewSessionStore(container *sqlstore.Container, instances *repository.InstanceRepository) SessionStore {
	return &sqlSessionStore{container: container, instances: instances}
}

func (s *sqlSessionStore) Load(ctx context.Context, instanceID string) (*store.Device, error) {
	jidStr, err := s.instances.GetJID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stored JID: %w", err)
	}

	if jidStr != "" {
		jid, err := types.ParseJID(jidStr)
		if err == nil {
			device, err := s.container.GetDevice(ctx, jid)
			if err == nil && device != nil {
				return device, nil
			}
			log.Printf("[Session %s] Stored device for %s not found, pairing fresh", instanceID, jidStr)
		}
	}

	return s.container.NewDevice(), nil
}

func (s *sqlSessionStore) Save(ctx context.Context, instanceID string, jid types.JID) error {
	return s.instances.SetJID(ctx, instanceID, jid.String())
}

func (s *sqlSessionStore) Delete(ctx context.Context, instanceID string) error {
	jidStr, err := s.instances.GetJID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to look up stored JID: %w", err)
	}

	if jidStr != "" {
		if jid, err := types.ParseJID(jidStr); err == nil {
			if device, err := s.container.GetDevice(ctx, jid); err == nil && device != nil {
				if err := device.Delete(ctx); err != nil {
					log.Printf("[Session %s] Failed to delete device store: %v", instanceID, err)
				}
			}
		}
	}

	return s.instances.ClearIdentity(ctx, instanceID)
}
