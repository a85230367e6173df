// Package session implements session identity (§3.2, §6.2) and the join
// protocol's collision resolution (§4.5): the puzzle id / timeline id URL
// model, the local {puzzleId -> timelineId} mapping, and the pure decision
// function a joiner runs before attaching its peer transport.
package session

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"

	"go.etcd.io/bbolt"
)

var timelineBucket = []byte("timelines")

const timelineIDLen = 16

// timelineEncoding avoids padding characters so generated tokens are
// directly usable in a URL fragment without percent-encoding (§6.2).
var timelineEncoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// NewTimelineID mints a fresh 16-character opaque timeline token (§3.2,
// generated on first share).
func NewTimelineID() (string, error) {
	buf := make([]byte, 10) // 10 bytes -> 16 base32 chars
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate timeline id: %w", err)
	}
	id := timelineEncoding.EncodeToString(buf)
	if len(id) > timelineIDLen {
		id = id[:timelineIDLen]
	}
	return id, nil
}

// SessionURL is the decoded form of §6.2's hash fragment.
type SessionURL struct {
	PuzzleID   string
	TimelineID string
	LegacyRoom string // set instead of PuzzleID/TimelineID for "#room=" links
}

// IsLegacy reports whether the URL used the legacy "#room=" form.
func (s SessionURL) IsLegacy() bool { return s.LegacyRoom != "" }

// RoomKey derives the signaling/document room key (§4.4): "puzzle:{P}:{T}"
// for the modern form, or the raw legacy room id.
func (s SessionURL) RoomKey() string {
	if s.IsLegacy() {
		return s.LegacyRoom
	}
	return fmt.Sprintf("puzzle:%s:%s", s.PuzzleID, s.TimelineID)
}

// EncodeSessionURL renders the "#puzzle=...&timeline=..." hash fragment
// (§6.2), percent-encoding the puzzle id.
func EncodeSessionURL(puzzleID, timelineID string) string {
	v := url.Values{}
	v.Set("puzzle", puzzleID)
	v.Set("timeline", timelineID)
	return "#" + v.Encode()
}

// EncodeLegacyRoomURL renders the legacy "#room=<id>" form.
func EncodeLegacyRoomURL(roomID string) string {
	return "#room=" + url.QueryEscape(roomID)
}

// DecodeSessionURL parses a URL hash fragment (with or without the leading
// "#") into a SessionURL. An empty hash decodes to the zero value, which the
// caller treats as "no hash -> open library view" (§4.5 case 1).
func DecodeSessionURL(hash string) (SessionURL, error) {
	hash = strings.TrimPrefix(hash, "#")
	if hash == "" {
		return SessionURL{}, nil
	}
	v, err := url.ParseQuery(hash)
	if err != nil {
		return SessionURL{}, fmt.Errorf("session: parse hash: %w", err)
	}
	if room := v.Get("room"); room != "" {
		return SessionURL{LegacyRoom: room}, nil
	}
	puzzle := v.Get("puzzle")
	timeline := v.Get("timeline")
	if puzzle == "" || timeline == "" {
		return SessionURL{}, fmt.Errorf("session: hash missing puzzle or timeline")
	}
	return SessionURL{PuzzleID: puzzle, TimelineID: timeline}, nil
}

// Store persists the local {puzzleId -> timelineId} mapping (§3.2) in a
// dedicated bbolt handle distinct from any per-puzzle document log,
// matching §6.3's "timeline:{puzzleId} -> current timeline id" key-value
// entry.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens (creating if absent) the shared metadata database at path
// (conventionally "meta.db", §6.3).
func OpenStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("session: open meta store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(timelineBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CurrentTimeline returns the locally remembered timeline id for puzzleID,
// or "" if none is recorded.
func (s *Store) CurrentTimeline(puzzleID string) (string, error) {
	var timeline string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(timelineBucket).Get([]byte(puzzleID))
		timeline = string(v)
		return nil
	})
	return timeline, err
}

// SetTimeline records timelineID as the current timeline for puzzleID,
// called both when sharing (§4.5 "sharing") and when a join resolves to
// direct-attach/merge/fresh-start.
func (s *Store) SetTimeline(puzzleID, timelineID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(timelineBucket).Put([]byte(puzzleID), []byte(timelineID))
	})
}

// ForgetTimeline removes the local mapping for puzzleID, used by
// fresh-start (§4.5).
func (s *Store) ForgetTimeline(puzzleID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(timelineBucket).Delete([]byte(puzzleID))
	})
}
