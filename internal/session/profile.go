package session

import (
	"context"
	"errors"
	"strings"
)

// SaveUserName remembers the child's display name across restarts.
func SaveUserName(ctx context.Context, storage Storage, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Delete(ctx, UserNameKey)
	}
	return storage.Save(ctx, UserNameKey, []byte(name))
}

// LoadUserName returns the remembered display name, or "" if none is stored.
func LoadUserName(ctx context.Context, storage Storage) (string, error) {
	data, err := storage.Load(ctx, UserNameKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
