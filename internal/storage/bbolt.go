package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"quad/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketTokens   = []byte("tokens")
	bucketPushSubs = []byte("push_subscriptions")
	bucketMeta     = []byte("meta")

	metaLastID = []byte("last_message_id")
	metaLastTS = []byte("last_message_ts")
)

// BboltStorage is the single source of truth for users, messages and
// tokens. Message rows are kept in one nested bucket per conversation
// pair, keyed by big-endian message id so a cursor walks them in order.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketMessages, bucketTokens, bucketPushSubs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// conversationKey is the same for both directions of a pair, so one
// bucket holds the full two-way log.
func conversationKey(userA, userB string) []byte {
	if userA > userB {
		userA, userB = userB, userA
	}
	return []byte(userA + "|" + userB)
}

func counterpartyOf(key []byte, userID string) (string, bool) {
	parts := strings.SplitN(string(key), "|", 2)
	if len(parts) != 2 {
		return "", false
	}
	switch userID {
	case parts[0]:
		return parts[1], true
	case parts[1]:
		return parts[0], true
	}
	return "", false
}

// UpsertUser stores a new or updated user record.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Status:      string(user.Status),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all user records, including deleted ones. Callers
// filter by status.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	return users, err
}

func getUser(tx *bbolt.Tx, id string) (*DBUser, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, models.ErrNotFound
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbUser, nil
}

func (u *DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Status:      models.UserStatus(u.Status),
	}
}

// AppendMessage durably stores a new message and returns the canonical
// row. The id is store-global and monotonic; the timestamp is clamped so
// it never decreases, with the id breaking ties. This is the only writer
// of message rows.
func (s *BboltStorage) AppendMessage(senderID, receiverID, text string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		receiver, err := getUser(tx, receiverID)
		if err != nil {
			return err
		}
		if receiver.Status != string(models.UserStatusActive) {
			return models.ErrNotFound
		}

		id, ts, err := nextMessageSlot(tx, s.now())
		if err != nil {
			return err
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(conversationKey(senderID, receiverID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		dbMsg := DBMessage{
			ID:         id,
			SenderID:   senderID,
			ReceiverID: receiverID,
			Content:    text,
			CreatedAt:  ts,
			// A note to self needs no acknowledgement.
			Read: senderID == receiverID,
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := convBucket.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		msg = dbMsg.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// nextMessageSlot allocates the next message id and a non-decreasing
// timestamp from the meta bucket, within the caller's write transaction.
func nextMessageSlot(tx *bbolt.Tx, now time.Time) (uint64, int64, error) {
	meta := tx.Bucket(bucketMeta)

	var id uint64
	if data := meta.Get(metaLastID); data != nil {
		id = binary.BigEndian.Uint64(data)
	}
	id++

	ts := now.Unix()
	if data := meta.Get(metaLastTS); data != nil {
		if last := int64(binary.BigEndian.Uint64(data)); ts < last {
			ts = last
		}
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	if err := meta.Put(metaLastID, buf); err != nil {
		return 0, 0, err
	}
	buf = make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	if err := meta.Put(metaLastTS, buf); err != nil {
		return 0, 0, err
	}

	return id, ts, nil
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Read:       m.Read,
	}
}

// History returns the full two-way message log between the caller and the
// counterparty, ascending by (createdAt, id), plus the number of rows it
// marked read. It is a side-effecting read: every returned row addressed
// to the caller is flipped to read in the same transaction. Fetching
// history is how a user acknowledges receipt.
func (s *BboltStorage) History(callerID, counterpartyID string) ([]models.Message, int, error) {
	var messages []models.Message
	flipped := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getUser(tx, counterpartyID); err != nil {
			return err
		}

		convBucket := tx.Bucket(bucketMessages).Bucket(conversationKey(callerID, counterpartyID))
		if convBucket == nil {
			return nil // no messages yet
		}

		c := convBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.ReceiverID == callerID && !dbMsg.Read {
				dbMsg.Read = true
				data, err := dbMsg.MarshalBinary()
				if err != nil {
					return err
				}
				if err := convBucket.Put(dbMsg.Key(), data); err != nil {
					return err
				}
				flipped++
			}
			messages = append(messages, dbMsg.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return messages, flipped, nil
}

// UnreadCount counts stored rows addressed to the user with read=false.
// It is a pure query; there is no separate counter to drift.
func (s *BboltStorage) UnreadCount(userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachConversationOf(tx, userID, func(key []byte, convBucket *bbolt.Bucket) error {
			n, err := unreadTail(convBucket, userID)
			if err != nil {
				return err
			}
			count += n
			return nil
		})
	})
	return count, err
}

// Conversations derives the per-counterparty view: the latest message of
// each pair the user appears in, plus an unread flag. Display metadata is
// joined in by the caller.
func (s *BboltStorage) Conversations(userID string) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEachConversationOf(tx, userID, func(key []byte, convBucket *bbolt.Bucket) error {
			counterparty, _ := counterpartyOf(key, userID)

			_, lastData := convBucket.Cursor().Last()
			if lastData == nil {
				return nil
			}
			var last DBMessage
			if err := last.UnmarshalBinary(lastData); err != nil {
				return err
			}

			unread, err := unreadTail(convBucket, userID)
			if err != nil {
				return err
			}

			conversations = append(conversations, models.Conversation{
				CounterpartyID: counterparty,
				LastMessage:    last.Content,
				LastMessageID:  last.ID,
				LastMessageAt:  last.CreatedAt,
				Unread:         unread > 0,
			})
			return nil
		})
	})
	return conversations, err
}

// forEachConversationOf visits every conversation bucket the user is a
// party to.
func forEachConversationOf(tx *bbolt.Tx, userID string, fn func(key []byte, convBucket *bbolt.Bucket) error) error {
	main := tx.Bucket(bucketMessages)
	c := main.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if v != nil {
			continue // not a nested bucket
		}
		if _, ok := counterpartyOf(k, userID); !ok {
			continue
		}
		if err := fn(k, main.Bucket(k)); err != nil {
			return err
		}
	}
	return nil
}

// unreadTail counts unread rows addressed to the user in one
// conversation. Because History flips all inbound rows at once, unread
// rows are always the newest inbound rows, so the backwards scan stops at
// the first read one.
func unreadTail(convBucket *bbolt.Bucket, userID string) (int, error) {
	count := 0
	c := convBucket.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return 0, err
		}
		if dbMsg.ReceiverID != userID {
			continue
		}
		if dbMsg.Read {
			break
		}
		count++
	}
	return count, nil
}

func (s *BboltStorage) UpsertToken(userID, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		dbToken := &DBToken{
			UserID:    userID,
			TokenHash: tokenHash,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbToken.Key(), data)
	})
}

// LookupToken resolves a token hash to the owning user id.
func (s *BboltStorage) LookupToken(tokenHash string) (string, error) {
	var userID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(tokenHash))
		if data == nil {
			return models.ErrNotFound
		}
		var dbToken DBToken
		if err := dbToken.UnmarshalBinary(data); err != nil {
			return err
		}
		userID = dbToken.UserID
		return nil
	})
	return userID, err
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

func (s *BboltStorage) UpsertPushSubscription(userID, endpoint string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket, err := tx.Bucket(bucketPushSubs).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		dbSub := &DBPushSubscription{
			UserID:       userID,
			Endpoint:     endpoint,
			Subscription: subscription,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return userBucket.Put(dbSub.Key(), data)
	})
}

// ListPushSubscriptions returns the raw subscription payloads registered
// for a user.
func (s *BboltStorage) ListPushSubscriptions(userID string) ([][]byte, error) {
	var subs [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, bytes.Clone(dbSub.Subscription))
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		userBucket := tx.Bucket(bucketPushSubs).Bucket([]byte(userID))
		if userBucket == nil {
			return nil
		}
		return userBucket.Delete([]byte(endpoint))
	})
}
