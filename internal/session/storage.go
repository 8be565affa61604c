package session

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Storage.Load when nothing is stored under the key.
var ErrNotFound = errors.New("session: key not found")

const keyPrefix = "tutor-chat:"

// UserNameKey holds the persisted display name.
const UserNameKey = keyPrefix + "userName"

// CollectionKey is the storage key of one (character, user) thread collection.
func CollectionKey(characterID, userName string) string {
	return keyPrefix + "sessions:" + characterID + ":" + userName
}

// Storage is the client's durable key/value store.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
