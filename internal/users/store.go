// Package users is a minimal credential registry: the first login of a
// username registers it, later logins must present the same password.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("invalid username or password")

type Store struct {
	rdb    *redis.Client
	prefix string
	cost   int
}

func NewStore(rdb *redis.Client, prefix string) *Store {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "watchparty"
	}
	return &Store{rdb: rdb, prefix: p, cost: bcrypt.DefaultCost}
}

func (s *Store) key() string { return s.prefix + ":users" }

// Authenticate verifies the password, registering the username if it is
// new. created reports a registration.
func (s *Store) Authenticate(ctx context.Context, username, password string) (created bool, err error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return false, ErrBadCredentials
	}

	hash, err := s.rdb.HGet(ctx, s.key(), username).Result()
	if errors.Is(err, redis.Nil) {
		newHash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
		if err != nil {
			return false, fmt.Errorf("hash password: %w", err)
		}
		ok, err := s.rdb.HSetNX(ctx, s.key(), username, newHash).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// registered concurrently; verify against the winner
		hash, err = s.rdb.HGet(ctx, s.key(), username).Result()
		if err != nil {
			return false, err
		}
	} else if err != nil {
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return false, ErrBadCredentials
	}
	return false, nil
}
