package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rtsfleet/internal/domain"
)

const namespacePageSize = 100

// NamespaceAPI is the part of Client the resolver needs.
type NamespaceAPI interface {
	ListNamespaces(ctx context.Context, page, perPage int) (NamespacePage, error)
	CreateNamespace(ctx context.Context, title string) (string, error)
}

// IDCache persists resolved namespace ids across process restarts.
type IDCache interface {
	LookupNamespace(ctx context.Context, title string) (string, error)
	StoreNamespace(ctx context.Context, title, id string) error
}

// Resolver maps a namespace title to its backend id, creating the
// namespace when it does not exist. The id is cached for the lifetime of
// the resolver.
type Resolver struct {
	API    NamespaceAPI
	Title  string
	Cache  IDCache
	Logger *zap.Logger

	mu sync.Mutex
	id string
}

// NewResolver returns a resolver. A non-empty fixedID short-circuits every
// lookup.
func NewResolver(api NamespaceAPI, title, fixedID string, cache IDCache, log *zap.Logger) *Resolver {
	if strings.TrimSpace(title) == "" {
		title = domain.DefaultNamespace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{API: api, Title: title, Cache: cache, Logger: log, id: strings.TrimSpace(fixedID)}
}

// Resolve returns the namespace id.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" {
		return r.id, nil
	}
	if r.Cache != nil {
		id, err := r.Cache.LookupNamespace(ctx, r.Title)
		if err != nil {
			r.Logger.Warn("namespace cache lookup failed", zap.String("namespace", r.Title), zap.Error(err))
		} else if id != "" {
			r.id = id
			return id, nil
		}
	}
	id, err := r.find(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = r.API.CreateNamespace(ctx, r.Title)
		if err != nil {
			return "", fmt.Errorf("create namespace %s: %w", r.Title, err)
		}
		r.Logger.Info("created namespace", zap.String("namespace", r.Title), zap.String("namespace_id", id))
	}
	if id == "" {
		return "", errors.New("namespace creation returned no id")
	}
	r.id = id
	if r.Cache != nil {
		if err := r.Cache.StoreNamespace(ctx, r.Title, id); err != nil {
			r.Logger.Warn("namespace cache store failed", zap.String("namespace", r.Title), zap.Error(err))
		}
	}
	return id, nil
}

// Cached returns the id if it has already been resolved.
func (r *Resolver) Cached() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id, r.id != ""
}

func (r *Resolver) find(ctx context.Context) (string, error) {
	for page := 1; ; page++ {
		res, err := r.API.ListNamespaces(ctx, page, namespacePageSize)
		if err != nil {
			return "", fmt.Errorf("list namespaces: %w", err)
		}
		for _, ns := range res.Namespaces {
			if ns.Title == r.Title && ns.ID != "" {
				return ns.ID, nil
			}
		}
		if page >= res.TotalPages {
			return "", nil
		}
	}
}
