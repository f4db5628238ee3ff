package domain

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

func ParseVisibility(s string) (Visibility, bool) {
	switch v := Visibility(s); v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect:
		return v, true
	}
	return "", false
}

type Post struct {
	Id             uuid.UUID
	AccountId      uuid.UUID
	IRI            string
	URL            string
	Content        string
	Visibility     Visibility
	ReplyTargetId  *uuid.UUID
	InReplyToIRI   string
	SharingId      *uuid.UUID // repost of SharingId
	Sensitive      bool
	ContentWarning string
	Language       string
	Published      time.Time
	CreatedAt      time.Time
	Mentions       []uuid.UUID
	Tags           []string
	Attachments    []Attachment
}

type Attachment struct {
	URL       string
	MediaType string
}

// PostTime normalizes a publication time to the millisecond precision stored in post ids.
// Times before the Unix epoch are clamped to it, since ids cannot encode them.
func PostTime(t time.Time) time.Time {
	if t.Before(epoch) {
		return epoch
	}
	return t.UTC().Truncate(time.Millisecond)
}

var epoch = time.Unix(0, 0).UTC()

// NewPostID returns a version 7 UUID whose timestamp is published, so that id order
// follows publication order.
func NewPostID(published time.Time) uuid.UUID {
	id := uuid.Must(uuid.NewV7())
	var ms [8]byte
	binary.BigEndian.PutUint64(ms[:], uint64(PostTime(published).UnixMilli()))
	copy(id[0:6], ms[2:8])
	return id
}
