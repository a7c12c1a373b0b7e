package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"knockknock-core/internal/database"
	"knockknock-core/internal/domain"
	"knockknock-core/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Presence fields published on a user's change channel
const (
	FieldBusy    = "busy"
	FieldSilence = "silence"
	FieldDND     = "dnd"
)

// PresenceRepository stores per-user busy, silence mode and DND state in Redis.
// Each field is owned by exactly one writer and is always written whole.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

func busyKey(userID string) string    { return fmt.Sprintf("presence:%s:busy", userID) }
func silenceKey(userID string) string { return fmt.Sprintf("presence:%s:silence", userID) }
func dndKey(userID string) string     { return fmt.Sprintf("presence:%s:dnd", userID) }
func changesChannel(userID string) string {
	return fmt.Sprintf("presence:%s:changes", userID)
}

// SetBusy overwrites a user's busy flag
func (r *PresenceRepository) SetBusy(ctx context.Context, userID string, status domain.BusyStatus) error {
	if err := r.setJSON(ctx, busyKey(userID), status); err != nil {
		return fmt.Errorf("failed to set busy: %w", err)
	}
	r.publish(ctx, userID, FieldBusy)
	return nil
}

// GetBusy reads a user's busy flag; a missing flag is not busy
func (r *PresenceRepository) GetBusy(ctx context.Context, userID string) (domain.BusyStatus, error) {
	var status domain.BusyStatus
	if err := r.getJSON(ctx, busyKey(userID), &status); err != nil {
		return domain.BusyStatus{}, fmt.Errorf("failed to get busy: %w", err)
	}
	return status, nil
}

// SetSilenceMode overwrites a user's silence mode
func (r *PresenceRepository) SetSilenceMode(ctx context.Context, userID string, mode domain.SilenceMode) error {
	if err := r.setJSON(ctx, silenceKey(userID), mode); err != nil {
		return fmt.Errorf("failed to set silence mode: %w", err)
	}
	r.publish(ctx, userID, FieldSilence)
	return nil
}

// GetSilenceMode reads a user's silence mode; missing means disabled
func (r *PresenceRepository) GetSilenceMode(ctx context.Context, userID string) (domain.SilenceMode, error) {
	var mode domain.SilenceMode
	if err := r.getJSON(ctx, silenceKey(userID), &mode); err != nil {
		return domain.SilenceMode{}, fmt.Errorf("failed to get silence mode: %w", err)
	}
	return mode, nil
}

// SetDND overwrites the owner's DND entry for peerID
func (r *PresenceRepository) SetDND(ctx context.Context, ownerID, peerID string, entry domain.DNDEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dnd entry: %w", err)
	}
	if err := r.client.SafeHSet(ctx, dndKey(ownerID), peerID, data).Err(); err != nil {
		return fmt.Errorf("failed to set dnd: %w", err)
	}
	r.publish(ctx, ownerID, FieldDND+":"+peerID)
	return nil
}

// GetDND reads the owner's DND entry for peerID
func (r *PresenceRepository) GetDND(ctx context.Context, ownerID, peerID string) (domain.DNDEntry, bool, error) {
	data, err := r.client.SafeHGet(ctx, dndKey(ownerID), peerID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.DNDEntry{}, false, nil
	}
	if err != nil {
		return domain.DNDEntry{}, false, fmt.Errorf("failed to get dnd: %w", err)
	}

	var entry domain.DNDEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return domain.DNDEntry{}, false, fmt.Errorf("failed to decode dnd entry: %w", err)
	}
	return entry, true, nil
}

// ListDND returns every DND entry the owner has set
func (r *PresenceRepository) ListDND(ctx context.Context, ownerID string) (map[string]domain.DNDEntry, error) {
	raw, err := r.client.SafeHGetAll(ctx, dndKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dnd: %w", err)
	}

	entries := make(map[string]domain.DNDEntry, len(raw))
	for peerID, data := range raw {
		var entry domain.DNDEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			logger.Warn("Skipping undecodable dnd entry",
				zap.String("owner", ownerID),
				zap.String("peer", peerID),
				zap.Error(err))
			continue
		}
		entries[peerID] = entry
	}
	return entries, nil
}

// GetPresence reads everything admission control needs about userID.
// Only the DND entry that concerns viewerID is loaded.
func (r *PresenceRepository) GetPresence(ctx context.Context, userID, viewerID string) (*domain.PresenceRecord, error) {
	busy, err := r.GetBusy(ctx, userID)
	if err != nil {
		return nil, err
	}
	silence, err := r.GetSilenceMode(ctx, userID)
	if err != nil {
		return nil, err
	}

	rec := &domain.PresenceRecord{
		UserID:      userID,
		Busy:        busy,
		SilenceMode: silence,
		DNDList:     map[string]domain.DNDEntry{},
	}
	if viewerID != "" {
		entry, ok, err := r.GetDND(ctx, userID, viewerID)
		if err != nil {
			return nil, err
		}
		if ok {
			rec.DNDList[viewerID] = entry
		}
	}
	return rec, nil
}

// PresenceChange names a field that changed for a watched user
type PresenceChange struct {
	UserID string
	Field  string
}

// PresenceWatch is a live subscription to one user's presence changes
type PresenceWatch struct {
	C      <-chan PresenceChange
	pubsub *redis.PubSub
	done   chan struct{}
}

// Close stops the watch
func (w *PresenceWatch) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.pubsub.Close()
}

// Watch subscribes to presence changes for userID. The subscription is
// confirmed before Watch returns, so no change published afterwards is missed.
func (r *PresenceRepository) Watch(ctx context.Context, userID string) (*PresenceWatch, error) {
	ps := r.client.SafeSubscribe(ctx, changesChannel(userID))
	if ps == nil {
		return nil, fmt.Errorf("failed to watch presence: redis is in degraded mode")
	}
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to watch presence: %w", err)
	}

	out := make(chan PresenceChange, 16)
	w := &PresenceWatch{C: out, pubsub: ps, done: make(chan struct{})}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-w.done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				change := PresenceChange{UserID: userID, Field: msg.Payload}
				select {
				case out <- change:
				case <-w.done:
					return
				}
			}
		}
	}()

	return w, nil
}

// IsDNDField reports whether a change field refers to the DND entry for peerID
func IsDNDField(field, peerID string) bool {
	return strings.HasPrefix(field, FieldDND+":") && strings.TrimPrefix(field, FieldDND+":") == peerID
}

func (r *PresenceRepository) publish(ctx context.Context, userID, field string) {
	if err := r.client.SafePublish(ctx, changesChannel(userID), field).Err(); err != nil {
		logger.Debug("Presence change not published",
			zap.String("user_id", userID),
			zap.String("field", field),
			zap.Error(err))
	}
}

func (r *PresenceRepository) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.SafeSet(ctx, key, data, 0).Err()
}

func (r *PresenceRepository) getJSON(ctx context.Context, key string, v any) error {
	data, err := r.client.SafeGet(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
