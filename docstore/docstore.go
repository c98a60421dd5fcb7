// Package docstore is the persistence plumbing around the collaboration
// core: documents live in redis as hashes with their JSON body in a sibling
// key. The core never touches this package; it only receives the initial
// document a host pulls out of here when sharing.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound     = errors.New("document not found")
	ErrBadPassword  = errors.New("wrong password")
	ErrUserNotFound = errors.New("user not found")
)

type Document struct {
	ID     string `json:"id" mapstructure:"id"`
	Name   string `json:"name" mapstructure:"name"`
	Author string `json:"author" mapstructure:"author"`
}

type User struct {
	ID       string `json:"id" mapstructure:"id"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"-" mapstructure:"password"`
}

type Store struct {
	db *redis.Client
}

func New(db *redis.Client) *Store {
	return &Store{db: db}
}

func documentKey(id string) string { return fmt.Sprintf("documents.%v", id) }
func bodyKey(id string) string     { return fmt.Sprintf("texts.%v", id) }
func userKey(name string) string   { return fmt.Sprintf("users.%v", name) }

func newDocumentID() string {
	min := 111111
	max := 999999
	return fmt.Sprintf("%d", rand.Intn(max-min)+min)
}

// List returns metadata for every stored document.
func (s *Store) List(ctx context.Context) ([]Document, error) {
	keys, err := s.db.Keys(ctx, "documents.*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get document keys: %w", err)
	}

	var documents []Document
	for _, key := range keys {
		docMap, err := s.db.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("error getting document: %w", err)
		}
		var doc Document
		if err := mapstructure.Decode(docMap, &doc); err != nil {
			return nil, fmt.Errorf("error decoding map: %w", err)
		}
		documents = append(documents, doc)
	}
	return documents, nil
}

// Create stores a new document with the given body and returns its metadata.
func (s *Store) Create(ctx context.Context, name, author string, body map[string]interface{}) (Document, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Document{}, fmt.Errorf("error encoding document body: %w", err)
	}

	id := newDocumentID()
	if _, err := s.db.HSet(ctx, documentKey(id), "id", id, "name", name, "author", author).Result(); err != nil {
		return Document{}, fmt.Errorf("error uploading document: %w", err)
	}
	if err := s.db.Set(ctx, bodyKey(id), raw, 0).Err(); err != nil {
		s.db.HDel(ctx, documentKey(id))
		return Document{}, fmt.Errorf("error creating document body: %w", err)
	}
	return Document{ID: id, Name: name, Author: author}, nil
}

// Get loads one document's metadata and body.
func (s *Store) Get(ctx context.Context, id string) (Document, map[string]interface{}, error) {
	exists, err := s.db.Exists(ctx, documentKey(id)).Result()
	if err != nil {
		return Document{}, nil, fmt.Errorf("error checking document: %w", err)
	}
	if exists == 0 {
		return Document{}, nil, ErrNotFound
	}

	docMap, err := s.db.HGetAll(ctx, documentKey(id)).Result()
	if err != nil {
		return Document{}, nil, fmt.Errorf("error getting document: %w", err)
	}
	var doc Document
	if err := mapstructure.Decode(docMap, &doc); err != nil {
		return Document{}, nil, fmt.Errorf("error decoding document: %w", err)
	}

	raw, err := s.db.Get(ctx, bodyKey(id)).Result()
	if err != nil {
		return Document{}, nil, fmt.Errorf("error getting document body: %w", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return Document{}, nil, fmt.Errorf("error decoding document body: %w", err)
	}
	return doc, body, nil
}

// Delete removes a document and its body.
func (s *Store) Delete(ctx context.Context, id string) error {
	exists, err := s.db.Exists(ctx, documentKey(id)).Result()
	if err != nil {
		return fmt.Errorf("error checking document: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err := s.db.Del(ctx, documentKey(id)).Result(); err != nil {
		return fmt.Errorf("error deleting document info: %w", err)
	}
	if _, err := s.db.Del(ctx, bodyKey(id)).Result(); err != nil {
		return fmt.Errorf("error deleting document body: %w", err)
	}
	return nil
}

// Authenticate checks a username/password pair against the stored user.
func (s *Store) Authenticate(ctx context.Context, username, password string) (User, error) {
	res, err := s.db.HGetAll(ctx, userKey(username)).Result()
	if err != nil {
		return User{}, fmt.Errorf("failed to find user: %w", err)
	}
	if len(res) == 0 {
		return User{}, ErrUserNotFound
	}
	var user User
	if err := mapstructure.Decode(res, &user); err != nil {
		return User{}, fmt.Errorf("failed to unmarshal user structure: %w", err)
	}
	if user.Password != password {
		return User{}, ErrBadPassword
	}
	return user, nil
}
