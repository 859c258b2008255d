package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is the production Store backend.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore dials the given GCP project's Firestore database.
func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Close() error { return s.client.Close() }

func (s *FirestoreStore) Now() time.Time { return time.Now() }

func (s *FirestoreStore) NewID(collection string) string {
	return s.client.Collection(collection).NewDoc().ID
}

func (s *FirestoreStore) Get(ctx context.Context, path string, dst interface{}) error {
	snap, err := s.docRef(path).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("store: get %s: %w", path, err)
	}
	if !snap.Exists() {
		return ErrNotFound
	}
	if err := snap.DataTo(dst); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

func (s *FirestoreStore) Create(ctx context.Context, path string, data interface{}) error {
	if _, err := s.docRef(path).Set(ctx, data); err != nil {
		return fmt.Errorf("store: create %s: %w", path, err)
	}
	return nil
}

func (s *FirestoreStore) Set(ctx context.Context, path string, ops []Op) error {
	updates := toFirestoreUpdates(ops)
	if _, err := s.docRef(path).Set(ctx, updates, firestore.MergeAll); err != nil {
		return fmt.Errorf("store: set %s: %w", path, err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, path string) error {
	if _, err := s.docRef(path).Delete(ctx); err != nil {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	return nil
}

func (s *FirestoreStore) TransactionalUpdate(ctx context.Context, path string, fn func(current map[string]interface{}) ([]Op, error)) error {
	ref := s.docRef(path)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("store: tx get %s: %w", path, err)
		}
		var current map[string]interface{}
		if err == nil {
			current = snap.Data()
		} else {
			current = map[string]interface{}{}
		}

		ops, fnErr := fn(current)
		if fnErr != nil {
			return fnErr
		}
		if ops == nil {
			return nil
		}
		updates := toFirestoreUpdates(ops)
		return tx.Set(ref, updates, firestore.MergeAll)
	})
}

func (s *FirestoreStore) Query(ctx context.Context, q Query) ([]Doc, error) {
	var query firestore.Query
	switch {
	case q.CollectionGroup:
		query = s.client.CollectionGroup(q.Collection).Query
	case q.Parent != "":
		query = s.client.Collection(strings.Trim(q.Parent, "/") + "/" + q.Collection).Query
	default:
		query = s.client.Collection(q.Collection).Query
	}

	for _, f := range q.Filters {
		query = query.Where(f.Field, f.Op, f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Descending {
			dir = firestore.Desc
		}
		query = query.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Doc
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: query %s: %w", q.Collection, err)
		}
		out = append(out, Doc{Path: snap.Ref.Path, Data: snap.Data()})
	}
	return out, nil
}

func (s *FirestoreStore) docRef(path string) *firestore.DocumentRef {
	return s.client.Doc(path)
}

func toFirestoreUpdates(ops []Op) map[string]interface{} {
	out := make(map[string]interface{}, len(ops))
	for _, op := range ops {
		switch v := op.Value.(type) {
		case incrementSentinel:
			out[op.Field] = firestore.Increment(v.by)
		case serverTimestampSentinel:
			out[op.Field] = firestore.ServerTimestamp
		default:
			out[op.Field] = op.Value
		}
	}
	return out
}
