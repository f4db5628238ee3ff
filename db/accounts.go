package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
)

const (
	accountColumns = `a.id, a.username, a.domain, a.iri, a.url, a.inbox_uri, a.shared_inbox_uri, a.outbox_uri,
		a.followers_uri, a.display_name, a.summary, a.summary_source, a.avatar_url, a.header_url,
		a.public_key_pem, a.actor_type, a.protected, a.successor_id, a.created_at, a.updated_at,
		a.last_fetched_at, o.account_id, o.private_key_pem, o.default_visibility, o.default_language,
		o.fields, o.created_at`

	sqlSelectAccount = `SELECT ` + accountColumns + ` FROM accounts a
		LEFT JOIN account_owners o ON o.account_id = a.id`

	sqlSelectAccountById     = sqlSelectAccount + ` WHERE a.id = ?`
	sqlSelectAccountByIRI    = sqlSelectAccount + ` WHERE a.iri = ?`
	sqlSelectAccountByHandle = sqlSelectAccount + ` WHERE a.username = ? AND a.domain = ?`
	sqlSelectLocalAccount    = sqlSelectAccount + ` WHERE a.username = ? AND o.account_id IS NOT NULL`
	sqlSearchAccounts        = sqlSelectAccount + ` WHERE a.username LIKE ? ESCAPE '\' OR a.display_name LIKE ? ESCAPE '\'
		ORDER BY (o.account_id IS NULL), a.username LIMIT ?`

	sqlInsertAccount = `INSERT INTO accounts(id, username, domain, iri, url, inbox_uri, shared_inbox_uri, outbox_uri,
		followers_uri, display_name, summary, summary_source, avatar_url, header_url, public_key_pem, actor_type,
		protected, created_at, updated_at, last_fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpsertRemoteAccount = sqlInsertAccount + `
		ON CONFLICT(iri) DO UPDATE SET
			username = excluded.username,
			url = excluded.url,
			inbox_uri = excluded.inbox_uri,
			shared_inbox_uri = excluded.shared_inbox_uri,
			outbox_uri = excluded.outbox_uri,
			followers_uri = excluded.followers_uri,
			display_name = excluded.display_name,
			summary = excluded.summary,
			avatar_url = excluded.avatar_url,
			header_url = excluded.header_url,
			public_key_pem = excluded.public_key_pem,
			actor_type = excluded.actor_type,
			protected = excluded.protected,
			updated_at = excluded.updated_at,
			last_fetched_at = excluded.last_fetched_at
		RETURNING id`

	sqlInsertAccountOwner = `INSERT INTO account_owners(account_id, private_key_pem, default_visibility, default_language, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlUpdateSuccessor = `UPDATE accounts SET successor_id = ?, updated_at = ? WHERE id = ?`
	sqlUpdateDomain    = `UPDATE accounts SET domain = ?, updated_at = ? WHERE id = ?`
	sqlDeleteAccount   = `DELETE FROM accounts WHERE id = ?`
)

// CreateLocalAccount inserts an account hosted on this instance together with its owner row.
func (db *DB) CreateLocalAccount(ctx context.Context, acc *domain.Account) error {
	if acc.Owner == nil {
		return errors.New("local account requires an owner")
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		ts := now()
		acc.CreatedAt, acc.UpdatedAt = ts, ts
		if _, err := tx.ExecContext(ctx, sqlInsertAccount, accountArgs(acc)...); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}

		fields, err := json.Marshal(nonNilFields(acc.Owner.Fields))
		if err != nil {
			return err
		}
		acc.Owner.AccountId = acc.Id
		acc.Owner.CreatedAt = ts
		if acc.Owner.DefaultVisibility == "" {
			acc.Owner.DefaultVisibility = domain.VisibilityPublic
		}
		_, err = tx.ExecContext(ctx, sqlInsertAccountOwner, acc.Id, acc.Owner.PrivateKeyPem,
			acc.Owner.DefaultVisibility, acc.Owner.DefaultLanguage, string(fields), ts)
		if err != nil {
			return fmt.Errorf("insert account owner: %w", err)
		}
		return nil
	})
}

// UpsertRemoteAccount inserts or refreshes a remote account keyed by its IRI. It returns
// the stored row and whether it was newly created. A refresh keeps the stored domain.
func (db *DB) UpsertRemoteAccount(ctx context.Context, acc *domain.Account) (*domain.Account, bool, error) {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	ts := now()
	acc.CreatedAt, acc.UpdatedAt = ts, ts
	acc.LastFetchedAt = &ts

	var storedId uuid.UUID
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, sqlUpsertRemoteAccount, accountArgs(acc)...).Scan(&storedId)
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert remote account: %w", err)
	}

	stored, err := db.ReadAccountById(ctx, storedId)
	if err != nil {
		return nil, false, err
	}
	return stored, storedId == acc.Id, nil
}

func (db *DB) ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return readAccount(ctx, db.db, sqlSelectAccountById, id)
}

func (db *DB) ReadAccountByIRI(ctx context.Context, iri string) (*domain.Account, error) {
	return readAccount(ctx, db.db, sqlSelectAccountByIRI, iri)
}

func (db *DB) ReadAccountByHandle(ctx context.Context, username, domainName string) (*domain.Account, error) {
	return readAccount(ctx, db.db, sqlSelectAccountByHandle, username, domainName)
}

// ReadLocalAccount finds an account hosted here by username.
func (db *DB) ReadLocalAccount(ctx context.Context, username string) (*domain.Account, error) {
	return readAccount(ctx, db.db, sqlSelectLocalAccount, username)
}

// ReadAccountsByIds returns the accounts that exist, keyed by id.
func (db *DB) ReadAccountsByIds(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	out := make(map[uuid.UUID]*domain.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := sqlSelectAccount + ` WHERE a.id IN (` + placeholders(len(ids)) + `)`
	rows, err := db.db.QueryContext(ctx, query, uuidArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acc.Id] = acc
	}
	return out, rows.Err()
}

// SearchAccounts matches a username or display name prefix, local accounts first.
func (db *DB) SearchAccounts(ctx context.Context, prefix string, limit int) ([]*domain.Account, error) {
	pattern := escapeLike(prefix) + "%"
	rows, err := db.db.QueryContext(ctx, sqlSearchAccounts, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// SetSuccessor records the account migration target of id.
func (db *DB) SetSuccessor(ctx context.Context, id, successorId uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateSuccessor, successorId, now(), id)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
}

// SetAccountDomain moves a remote account to the domain its handle was resolved under.
func (db *DB) SetAccountDomain(ctx context.Context, id uuid.UUID, domainName string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateDomain, strings.ToLower(domainName), now(), id)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
}

// DeleteAccount purges an account; follows, blocks, mutes, posts and the owner row cascade.
func (db *DB) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteAccount, id)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
}

func readAccount(ctx context.Context, q querier, query string, args ...any) (*domain.Account, error) {
	acc, err := scanAccount(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return acc, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		acc           domain.Account
		actorType     string
		successorId   uuid.NullUUID
		createdAt     sqlTime
		updatedAt     sqlTime
		lastFetchedAt sqlTime
		ownerId       uuid.NullUUID
		privateKey    sql.NullString
		defaultVis    sql.NullString
		defaultLang   sql.NullString
		fields        sql.NullString
		ownerCreated  sqlTime
	)
	err := row.Scan(&acc.Id, &acc.Username, &acc.Domain, &acc.IRI, &acc.URL, &acc.InboxURI, &acc.SharedInboxURI,
		&acc.OutboxURI, &acc.FollowersURI, &acc.DisplayName, &acc.Summary, &acc.SummarySource, &acc.AvatarURL,
		&acc.HeaderURL, &acc.PublicKeyPem, &actorType, &acc.Protected, &successorId, &createdAt,
		&updatedAt, &lastFetchedAt, &ownerId, &privateKey, &defaultVis, &defaultLang, &fields, &ownerCreated)
	if err != nil {
		return nil, err
	}

	acc.ActorType = domain.ActorType(actorType)
	if successorId.Valid {
		acc.SuccessorId = &successorId.UUID
	}
	acc.CreatedAt = createdAt.Time
	acc.UpdatedAt = updatedAt.Time
	acc.LastFetchedAt = lastFetchedAt.Ptr()

	if ownerId.Valid {
		owner := &domain.AccountOwner{
			AccountId:         ownerId.UUID,
			PrivateKeyPem:     privateKey.String,
			DefaultVisibility: domain.Visibility(defaultVis.String),
			DefaultLanguage:   defaultLang.String,
			CreatedAt:         ownerCreated.Time,
		}
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &owner.Fields); err != nil {
				return nil, fmt.Errorf("decode profile fields: %w", err)
			}
		}
		acc.Owner = owner
	}
	return &acc, nil
}

func accountArgs(acc *domain.Account) []any {
	actorType := acc.ActorType
	if actorType == "" {
		actorType = domain.ActorPerson
	}
	return []any{acc.Id, acc.Username, acc.Domain, acc.IRI, acc.URL, acc.InboxURI, acc.SharedInboxURI,
		acc.OutboxURI, acc.FollowersURI, acc.DisplayName, acc.Summary, acc.SummarySource, acc.AvatarURL,
		acc.HeaderURL, acc.PublicKeyPem, string(actorType), acc.Protected, utc(acc.CreatedAt),
		utc(acc.UpdatedAt), nullTime(acc.LastFetchedAt)}
}

func nonNilFields(f []domain.Field) []domain.Field {
	if f == nil {
		return []domain.Field{}
	}
	return f
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func uuidArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
