package web

import (
	"context"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/domain"
	"github.com/google/uuid"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

type accountEntity struct {
	Id             string         `json:"id"`
	Username       string         `json:"username"`
	Acct           string         `json:"acct"`
	DisplayName    string         `json:"display_name"`
	Locked         bool           `json:"locked"`
	Bot            bool           `json:"bot"`
	Group          bool           `json:"group"`
	Note           string         `json:"note"`
	URL            string         `json:"url"`
	URI            string         `json:"uri"`
	Avatar         string         `json:"avatar"`
	Header         string         `json:"header"`
	Fields         []domain.Field `json:"fields"`
	FollowersCount int            `json:"followers_count"`
	FollowingCount int            `json:"following_count"`
	StatusesCount  int            `json:"statuses_count"`
	CreatedAt      string         `json:"created_at"`
	Moved          *accountEntity `json:"moved,omitempty"`
}

type mentionEntity struct {
	Id       string `json:"id"`
	Username string `json:"username"`
	Acct     string `json:"acct"`
	URL      string `json:"url"`
}

type tagEntity struct {
	Name string `json:"name"`
}

type mediaEntity struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type statusEntity struct {
	Id               string          `json:"id"`
	URI              string          `json:"uri"`
	URL              string          `json:"url"`
	CreatedAt        string          `json:"created_at"`
	Account          *accountEntity  `json:"account"`
	Content          string          `json:"content"`
	Visibility       string          `json:"visibility"`
	Sensitive        bool            `json:"sensitive"`
	SpoilerText      string          `json:"spoiler_text"`
	Language         *string         `json:"language"`
	InReplyToId      *string         `json:"in_reply_to_id"`
	Reblog           *statusEntity   `json:"reblog"`
	MediaAttachments []mediaEntity   `json:"media_attachments"`
	Mentions         []mentionEntity `json:"mentions"`
	Tags             []tagEntity     `json:"tags"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// renderAccount includes the follower, following and post counts of acc.
func (s *Server) renderAccount(ctx context.Context, acc *domain.Account) (*accountEntity, error) {
	e := newAccountEntity(acc)
	var err error
	if e.FollowersCount, err = s.db.CountFollowers(ctx, acc.Id); err != nil {
		return nil, err
	}
	if e.FollowingCount, err = s.db.CountFollowing(ctx, acc.Id); err != nil {
		return nil, err
	}
	if e.StatusesCount, err = s.db.CountPostsByAccount(ctx, acc.Id); err != nil {
		return nil, err
	}
	if acc.SuccessorId != nil {
		if successor, err := s.db.ReadAccountById(ctx, *acc.SuccessorId); err == nil {
			e.Moved = newAccountEntity(successor)
		}
	}
	return e, nil
}

func (s *Server) renderAccounts(ctx context.Context, accounts []*domain.Account) ([]*accountEntity, error) {
	out := make([]*accountEntity, 0, len(accounts))
	for _, acc := range accounts {
		e, err := s.renderAccount(ctx, acc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func newAccountEntity(acc *domain.Account) *accountEntity {
	e := &accountEntity{
		Id:          acc.Id.String(),
		Username:    acc.Username,
		Acct:        acc.Acct(),
		DisplayName: acc.DisplayName,
		Locked:      acc.Protected,
		Bot:         acc.ActorType == domain.ActorService || acc.ActorType == domain.ActorApplication,
		Group:       acc.ActorType == domain.ActorGroup,
		Note:        acc.Summary,
		URL:         acc.URL,
		URI:         acc.IRI,
		Avatar:      acc.AvatarURL,
		Header:      acc.HeaderURL,
		Fields:      []domain.Field{},
		CreatedAt:   formatTime(acc.CreatedAt),
	}
	if e.URL == "" {
		e.URL = acc.IRI
	}
	if acc.Owner != nil && len(acc.Owner.Fields) > 0 {
		e.Fields = acc.Owner.Fields
	}
	return e
}

// renderStatuses loads the authors, mentioned accounts and shared originals the
// posts refer to and renders them in order.
func (s *Server) renderStatuses(ctx context.Context, posts []domain.Post) ([]*statusEntity, error) {
	originals := map[uuid.UUID]*domain.Post{}
	var ids []uuid.UUID
	collect := func(p *domain.Post) {
		ids = append(ids, p.AccountId)
		ids = append(ids, p.Mentions...)
	}
	for i := range posts {
		collect(&posts[i])
		if id := posts[i].SharingId; id != nil {
			if _, ok := originals[*id]; ok {
				continue
			}
			orig, err := s.db.ReadPostById(ctx, *id)
			if err != nil {
				continue
			}
			originals[*id] = orig
			collect(orig)
		}
	}

	accounts, err := s.db.ReadAccountsByIds(ctx, ids)
	if err != nil {
		return nil, err
	}
	entities := make(map[uuid.UUID]*accountEntity, len(accounts))
	for id, acc := range accounts {
		entities[id] = newAccountEntity(acc)
	}

	out := make([]*statusEntity, 0, len(posts))
	for i := range posts {
		st := newStatusEntity(&posts[i], accounts, entities)
		if id := posts[i].SharingId; id != nil {
			if orig, ok := originals[*id]; ok {
				st.Reblog = newStatusEntity(orig, accounts, entities)
			}
		}
		out = append(out, st)
	}
	return out, nil
}

func newStatusEntity(p *domain.Post, accounts map[uuid.UUID]*domain.Account, entities map[uuid.UUID]*accountEntity) *statusEntity {
	st := &statusEntity{
		Id:               p.Id.String(),
		URI:              p.IRI,
		URL:              p.URL,
		CreatedAt:        formatTime(p.Published),
		Account:          entities[p.AccountId],
		Content:          p.Content,
		Visibility:       string(p.Visibility),
		Sensitive:        p.Sensitive,
		SpoilerText:      p.ContentWarning,
		MediaAttachments: []mediaEntity{},
		Mentions:         []mentionEntity{},
		Tags:             []tagEntity{},
	}
	if st.URL == "" {
		st.URL = p.IRI
	}
	if p.Language != "" {
		lang := p.Language
		st.Language = &lang
	}
	if p.ReplyTargetId != nil {
		id := p.ReplyTargetId.String()
		st.InReplyToId = &id
	}
	for _, att := range p.Attachments {
		st.MediaAttachments = append(st.MediaAttachments, mediaEntity{Type: mediaType(att.MediaType), URL: att.URL})
	}
	for _, id := range p.Mentions {
		if acc, ok := accounts[id]; ok {
			st.Mentions = append(st.Mentions, mentionEntity{Id: id.String(), Username: acc.Username, Acct: acc.Acct(), URL: acc.URL})
		}
	}
	for _, tag := range p.Tags {
		st.Tags = append(st.Tags, tagEntity{Name: tag})
	}
	return st
}

func mediaType(mime string) string {
	switch kind, _, _ := strings.Cut(mime, "/"); kind {
	case "image", "video", "audio":
		return kind
	}
	return "unknown"
}
