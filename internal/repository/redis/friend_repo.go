package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"knockknock-core/internal/database"
	"knockknock-core/internal/domain"
)

// ErrFriendNotFound is returned when a friend lookup misses
var ErrFriendNotFound = errors.New("friend not found")

// FriendRepository reads a user's friend list from Redis. Friends are stored in
// a hash per owner, keyed by friend user id, with a device index for reverse lookups.
type FriendRepository struct {
	client *database.RedisClient
}

// NewFriendRepository creates a new FriendRepository
func NewFriendRepository(client *database.RedisClient) *FriendRepository {
	return &FriendRepository{client: client}
}

func friendsKey(ownerID string) string { return fmt.Sprintf("friends:%s", ownerID) }
func deviceIndexKey(ownerID string) string {
	return fmt.Sprintf("friends:%s:devices", ownerID)
}

// PutFriend stores or replaces a friend entry
func (r *FriendRepository) PutFriend(ctx context.Context, ownerID string, f *domain.Friend) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal friend: %w", err)
	}
	if err := r.client.SafeHSet(ctx, friendsKey(ownerID), f.UserID, data).Err(); err != nil {
		return fmt.Errorf("failed to store friend: %w", err)
	}
	if f.DeviceID != "" {
		if err := r.client.SafeHSet(ctx, deviceIndexKey(ownerID), f.DeviceID, f.UserID).Err(); err != nil {
			return fmt.Errorf("failed to index friend device: %w", err)
		}
	}
	return nil
}

// GetFriend looks up a friend by user id
func (r *FriendRepository) GetFriend(ctx context.Context, ownerID, friendUserID string) (*domain.Friend, error) {
	data, err := r.client.SafeHGet(ctx, friendsKey(ownerID), friendUserID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFriendNotFound
		}
		return nil, fmt.Errorf("failed to get friend: %w", err)
	}

	var f domain.Friend
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("failed to decode friend: %w", err)
	}
	return &f, nil
}

// FindByDevice looks up a friend by device id
func (r *FriendRepository) FindByDevice(ctx context.Context, ownerID, deviceID string) (*domain.Friend, error) {
	userID, err := r.client.SafeHGet(ctx, deviceIndexKey(ownerID), deviceID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFriendNotFound
		}
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	return r.GetFriend(ctx, ownerID, userID)
}

// ListFriends returns every friend of ownerID
func (r *FriendRepository) ListFriends(ctx context.Context, ownerID string) ([]*domain.Friend, error) {
	raw, err := r.client.SafeHGetAll(ctx, friendsKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}

	friends := make([]*domain.Friend, 0, len(raw))
	for _, data := range raw {
		var f domain.Friend
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			continue
		}
		friends = append(friends, &f)
	}
	return friends, nil
}
