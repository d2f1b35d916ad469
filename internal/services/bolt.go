package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/Savinicomunicacao/cozinhai-receitas-inteligentes/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface using a BoltDB backend for persistent storage of
// conversations and their messages.
type BoltDB struct {
	db *bolt.DB
}

var conversationsBucket = []byte("conversations")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

// Conversations retrieves all stored conversations, newest first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(convs)
	return convs, nil
}

// Conversation returns the conversation with the given ID, or models.ErrNotFound.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return models.ErrNotFound
		}
		v := b.Get([]byte(id))
		if v == nil {
			return models.ErrNotFound
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		return nil
	})
	return conv, err
}

// AddConversation stores a new conversation and creates its message bucket. The stored ID is the
// bucket sequence number joined with conv.ID, which keeps conversations in creation order. The
// new ID is returned.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return nil
		}

		idPrefix, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%08d-%s", idPrefix, conv.ID)
		conv.ID = newID

		_, err = tx.CreateBucketIfNotExists(messageBucketName(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return b.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateConversation modifies an existing conversation record. Unknown conversations are silently
// ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(conv.ID))
		if v == nil {
			return nil
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return b.Put([]byte(conv.ID), v)
	})
}

// Messages retrieves all messages of the conversation in their stored order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.ChatMessage
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveMessages replaces the stored messages of the conversation with messages.
func (b BoltDB) SaveMessages(_ context.Context, conversationID string, messages []models.ChatMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		name := messageBucketName(conversationID)
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to clear message bucket: %w", err)
			}
		}
		b, err := tx.CreateBucket(name)
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for i, message := range messages {
			v, err := json.Marshal(message)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := b.Put([]byte(fmt.Sprintf("%08d", i)), v); err != nil {
				return err
			}
		}
		return nil
	})
}
