// Package resolver materializes remote actors as local accounts.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/cache"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/domain"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Options struct {
	LocalDomain       string
	BackfillThreshold int
	BackfillLimit     int
	BackfillTimeout   time.Duration
}

type Resolver struct {
	db        *db.DB
	transport *activitypub.Transport
	cache     cache.HandleCache
	opts      Options
	tracer    trace.Tracer

	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[uuid.UUID]chan struct{}
}

func New(store *db.DB, transport *activitypub.Transport, handles cache.HandleCache, opts Options) *Resolver {
	if handles == nil {
		handles = cache.Nop{}
	}
	if opts.BackfillLimit <= 0 {
		opts.BackfillLimit = 20
	}
	if opts.BackfillTimeout <= 0 {
		opts.BackfillTimeout = 30 * time.Second
	}
	return &Resolver{
		db:        store,
		transport: transport,
		cache:     handles,
		opts:      opts,
		tracer:    telemetry.Tracer("resolver"),
		inflight:  map[uuid.UUID]chan struct{}{},
	}
}

// reference is a parsed account lookup: either an IRI or a username with an
// optional host.
type reference struct {
	iri      string
	username string
	host     string
}

func (r *Resolver) parse(query string) (reference, error) {
	q := strings.TrimSpace(query)
	if strings.HasPrefix(q, "https://") || strings.HasPrefix(q, "http://") {
		u, err := url.Parse(q)
		if err != nil || u.Host == "" {
			return reference{}, fmt.Errorf("%w: invalid IRI %q", domain.ErrNotFound, query)
		}
		return reference{iri: q}, nil
	}

	q = strings.TrimPrefix(q, "acct:")
	q = strings.TrimPrefix(q, "@")
	username, host, _ := strings.Cut(q, "@")
	if username == "" || strings.ContainsAny(username, "/@ ") || strings.ContainsAny(host, "/@ ") {
		return reference{}, fmt.Errorf("%w: invalid handle %q", domain.ErrNotFound, query)
	}
	if strings.EqualFold(host, r.opts.LocalDomain) {
		host = ""
	}
	return reference{username: username, host: strings.ToLower(host)}, nil
}

// LooksResolvable reports whether query names a remote account rather than a
// search term.
func (r *Resolver) LooksResolvable(query string) bool {
	ref, err := r.parse(query)
	return err == nil && (ref.iri != "" || ref.host != "")
}

// Resolve returns the account for a handle (@user@domain, user@domain, acct:user@domain,
// bare local username) or an actor IRI, materializing remote actors on first use.
// viewer, when local, signs the remote fetch.
func (r *Resolver) Resolve(ctx context.Context, handleOrIRI string, viewer *domain.Account) (*domain.Account, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve", trace.WithAttributes(attribute.String("query", handleOrIRI)))
	defer span.End()

	ref, err := r.parse(handleOrIRI)
	if err != nil {
		return nil, err
	}
	if ref.iri != "" {
		return r.ResolveIRI(ctx, ref.iri, viewer)
	}
	if ref.host == "" {
		return r.db.ReadLocalAccount(ctx, ref.username)
	}

	acc, err := r.db.ReadAccountByHandle(ctx, ref.username, ref.host)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	handle := fmt.Sprintf("@%s@%s", ref.username, ref.host)
	iri, ok := r.cache.Get(ctx, handle)
	if !ok {
		if iri, err = r.transport.WebFinger(ctx, ref.username, ref.host); err != nil {
			return nil, err
		}
		r.cache.Set(ctx, handle, iri)
	}
	return r.resolveHandle(ctx, ref, iri, viewer)
}

// resolveHandle returns the account behind the actor IRI that WebFinger gave for ref.
// Actors hosted apart from their handle's domain are stored under the handle's
// domain, so the next lookup of the handle is answered locally.
func (r *Resolver) resolveHandle(ctx context.Context, ref reference, iri string, viewer *domain.Account) (*domain.Account, error) {
	acc, err := r.db.ReadAccountByIRI(ctx, iri)
	if errors.Is(err, domain.ErrNotFound) {
		if r.isLocalIRI(iri) {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, iri)
		}
		return r.fetch(ctx, iri, viewer, ref)
	}
	if err != nil {
		return nil, err
	}
	if acc.IsLocal() || !strings.EqualFold(acc.Username, ref.username) || strings.EqualFold(acc.Domain, ref.host) {
		return acc, nil
	}
	if err := r.db.SetAccountDomain(ctx, acc.Id, ref.host); err != nil {
		return nil, err
	}
	acc.Domain = ref.host
	return acc, nil
}

// ResolveIRI returns the account with the given actor IRI, fetching and storing it
// when it is not known yet.
func (r *Resolver) ResolveIRI(ctx context.Context, iri string, viewer *domain.Account) (*domain.Account, error) {
	acc, err := r.db.ReadAccountByIRI(ctx, iri)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if r.isLocalIRI(iri) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, iri)
	}
	return r.fetch(ctx, iri, viewer, reference{})
}

// Refresh re-fetches a remote actor document and updates the stored account.
func (r *Resolver) Refresh(ctx context.Context, iri string) (*domain.Account, error) {
	if r.isLocalIRI(iri) {
		return r.db.ReadAccountByIRI(ctx, iri)
	}
	return r.fetch(ctx, iri, nil, reference{})
}

func (r *Resolver) isLocalIRI(iri string) bool {
	u, err := url.Parse(iri)
	return err == nil && strings.EqualFold(u.Host, r.opts.LocalDomain)
}

// fetch dereferences and stores the actor at iri. handle is the WebFinger lookup
// that led there, if any; its domain is kept when the usernames agree.
func (r *Resolver) fetch(ctx context.Context, iri string, viewer *domain.Account, handle reference) (*domain.Account, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.fetch", trace.WithAttributes(attribute.String("iri", iri)))
	defer span.End()

	signer, err := activitypub.SignerFor(viewer)
	if err != nil {
		logger.Warn("Resolver: viewer key unusable, fetching anonymously", zap.Error(err))
		signer = nil
	}

	actor, err := r.transport.FetchActor(ctx, iri, signer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	remote, err := actor.ToAccount()
	if err != nil {
		return nil, err
	}
	if !sameHost(iri, remote.IRI) {
		return nil, fmt.Errorf("%w: %s served an actor of another host", domain.ErrNotFound, iri)
	}
	if handle.host != "" && strings.EqualFold(remote.Username, handle.username) {
		remote.Domain = handle.host
	}

	acc, created, err := r.db.UpsertRemoteAccount(ctx, remote)
	if err != nil {
		return nil, err
	}
	logger.Info("Resolver: materialized remote actor", zap.String("handle", acc.Handle()), zap.Bool("created", created))

	if created || r.belowThreshold(ctx, acc) {
		r.BackfillAsync(acc, viewer)
	}
	return acc, nil
}

func (r *Resolver) belowThreshold(ctx context.Context, acc *domain.Account) bool {
	count, err := r.db.CountPostsByAccount(ctx, acc.Id)
	return err == nil && count < r.opts.BackfillThreshold
}

// NeedsBackfill reports whether acc is remote and has fewer local posts than the
// configured threshold.
func (r *Resolver) NeedsBackfill(ctx context.Context, acc *domain.Account) bool {
	return !acc.IsLocal() && acc.OutboxURI != "" && r.belowThreshold(ctx, acc)
}

// Backfill fetches up to the configured number of recent public posts of a remote
// account and stores them. It returns how many posts were new.
func (r *Resolver) Backfill(ctx context.Context, acc *domain.Account, viewer *domain.Account) (int, error) {
	if acc.IsLocal() || acc.OutboxURI == "" {
		return 0, nil
	}
	ctx, span := r.tracer.Start(ctx, "resolver.Backfill", trace.WithAttributes(attribute.String("account", acc.Handle())))
	defer span.End()

	signer, _ := activitypub.SignerFor(viewer)
	items, err := r.transport.FetchOutbox(ctx, acc.OutboxURI, signer, r.opts.BackfillLimit)
	if err != nil {
		return 0, err
	}

	stored := 0
	for _, item := range items {
		created, err := activitypub.SaveOutboxItem(ctx, r.db, acc, item)
		if err != nil {
			logger.Debug("Resolver: skipping outbox item", zap.String("account", acc.Handle()), zap.Error(err))
			continue
		}
		if created {
			stored++
		}
	}
	logger.Info("Resolver: backfilled posts", zap.String("account", acc.Handle()), zap.Int("stored", stored))
	return stored, nil
}

// BackfillAsync runs Backfill detached from the caller with its own timeout. Errors
// are logged and dropped. Concurrent calls for one account share a run; the
// returned channel closes when it finishes.
func (r *Resolver) BackfillAsync(acc *domain.Account, viewer *domain.Account) <-chan struct{} {
	r.mu.Lock()
	if done, ok := r.inflight[acc.Id]; ok {
		r.mu.Unlock()
		return done
	}
	done := make(chan struct{})
	r.inflight[acc.Id] = done
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inflight, acc.Id)
			r.mu.Unlock()
			close(done)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.BackfillTimeout)
		defer cancel()
		if _, err := r.Backfill(ctx, acc, viewer); err != nil {
			logger.Warn("Resolver: backfill failed", zap.String("account", acc.Handle()), zap.Error(err))
		}
	}()
	return done
}

// Wait blocks until detached backfills have finished.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// Search finds accounts by username or display name prefix. When resolve is set and
// the query names a remote account, it is resolved and listed first.
func (r *Resolver) Search(ctx context.Context, query string, viewer *domain.Account, resolve bool, limit int) ([]*domain.Account, error) {
	var results []*domain.Account
	seen := map[uuid.UUID]bool{}

	if resolve && r.LooksResolvable(query) {
		acc, err := r.Resolve(ctx, query, viewer)
		switch {
		case err == nil:
			results = append(results, acc)
			seen[acc.Id] = true
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotActor):
			logger.Debug("Resolver: search could not resolve", zap.String("query", query), zap.Error(err))
		default:
			return nil, err
		}
	}

	prefix := strings.TrimPrefix(strings.TrimSpace(query), "@")
	if name, _, ok := strings.Cut(prefix, "@"); ok {
		prefix = name
	}
	if prefix == "" || strings.Contains(prefix, "/") {
		return results, nil
	}
	local, err := r.db.SearchAccounts(ctx, prefix, limit)
	if err != nil {
		return nil, err
	}
	for _, acc := range local {
		if len(results) >= limit {
			break
		}
		if !seen[acc.Id] {
			results = append(results, acc)
			seen[acc.Id] = true
		}
	}
	return results, nil
}

func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	return errA == nil && errB == nil && strings.EqualFold(ua.Host, ub.Host)
}
