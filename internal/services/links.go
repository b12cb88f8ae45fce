// Package services – link store
//
// LinkStore is the durable token → descriptor mapping. DBLinkStore persists
// through the repo package; CachedLinkStore fronts any LinkStore with an
// expirable LRU so hot links resolve without a database round trip.
//
// Values cross the store boundary by copy: callers can never mutate a cached
// descriptor in place.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// LinkStore maps tokens to delivery descriptors.
type LinkStore interface {
	// Put stores a new link; ErrDuplicateToken if the token is taken.
	Put(ctx context.Context, l domain.Link) error
	// Get returns a copy of the link, or ErrLinkNotFound.
	Get(ctx context.Context, token string) (domain.Link, error)
	// Delete revokes a link, or returns ErrLinkNotFound.
	Delete(ctx context.Context, token string) error
}

// DBLinkStore is the GORM-backed LinkStore.
type DBLinkStore struct {
	DB *gorm.DB
}

// Put implements LinkStore.
func (s *DBLinkStore) Put(ctx context.Context, l domain.Link) error {
	tr := otel.Tracer("services/LinkStore")
	ctx, span := tr.Start(ctx, "Put",
		trace.WithAttributes(
			attribute.Int64("channel.id", l.ChannelID),
			attribute.Int("items", len(l.Items)),
		),
	)
	defer span.End()

	if len(l.Items) == 0 {
		return ErrEmptyLink
	}
	l = cloneLink(l)
	if err := repo.CreateLink(ctx, s.DB, &l); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return ErrDuplicateToken
		}
		if errors.Is(err, repo.ErrEmptyLink) {
			return ErrEmptyLink
		}
		span.RecordError(err)
		return fmt.Errorf("put link: %w", err)
	}
	return nil
}

// Get implements LinkStore.
func (s *DBLinkStore) Get(ctx context.Context, token string) (domain.Link, error) {
	tr := otel.Tracer("services/LinkStore")
	ctx, span := tr.Start(ctx, "Get")
	defer span.End()

	l, err := repo.GetLink(ctx, s.DB, token)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Link{}, ErrLinkNotFound
		}
		span.RecordError(err)
		return domain.Link{}, fmt.Errorf("get link: %w", err)
	}
	return *l, nil
}

// Delete implements LinkStore.
func (s *DBLinkStore) Delete(ctx context.Context, token string) error {
	tr := otel.Tracer("services/LinkStore")
	ctx, span := tr.Start(ctx, "Delete")
	defer span.End()

	if err := repo.DeleteLink(ctx, s.DB, token); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrLinkNotFound
		}
		span.RecordError(err)
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// CachedLinkStore is a read-through LRU in front of another LinkStore.
// Misses are not cached, so a link created by another process becomes
// visible on the next lookup. Revocations are only seen by the process that
// made them; the cache is meant for single-process deployments.
type CachedLinkStore struct {
	next  LinkStore
	cache *expirable.LRU[string, domain.Link]

	// mu orders cache fills against revocations. A read that started before
	// a Delete finished must not put the revoked link back.
	mu          sync.Mutex
	revocations uint64
}

// NewCachedLinkStore wraps next with an LRU of the given size and TTL.
// A size <= 0 returns next unchanged.
func NewCachedLinkStore(next LinkStore, size int, ttl time.Duration) LinkStore {
	if size <= 0 {
		return next
	}
	return &CachedLinkStore{
		next:  next,
		cache: expirable.NewLRU[string, domain.Link](size, nil, ttl),
	}
}

// Put implements LinkStore.
func (c *CachedLinkStore) Put(ctx context.Context, l domain.Link) error {
	if err := c.next.Put(ctx, l); err != nil {
		return err
	}
	c.cache.Add(l.Token, cloneLink(l))
	return nil
}

// Get implements LinkStore.
func (c *CachedLinkStore) Get(ctx context.Context, token string) (domain.Link, error) {
	if l, ok := c.cache.Get(token); ok {
		linkCacheLookups.WithLabelValues("hit").Inc()
		return cloneLink(l), nil
	}
	linkCacheLookups.WithLabelValues("miss").Inc()

	c.mu.Lock()
	gen := c.revocations
	c.mu.Unlock()

	l, err := c.next.Get(ctx, token)
	if err != nil {
		return domain.Link{}, err
	}

	c.mu.Lock()
	if c.revocations == gen {
		c.cache.Add(token, cloneLink(l))
	}
	c.mu.Unlock()
	return l, nil
}

// Delete implements LinkStore. The backing store goes first so a concurrent
// miss cannot refill the cache from a row that is about to disappear.
func (c *CachedLinkStore) Delete(ctx context.Context, token string) error {
	err := c.next.Delete(ctx, token)
	c.mu.Lock()
	c.revocations++
	c.cache.Remove(token)
	c.mu.Unlock()
	return err
}

func cloneLink(l domain.Link) domain.Link {
	if l.Items != nil {
		l.Items = append([]domain.LinkItem(nil), l.Items...)
	}
	return l
}
