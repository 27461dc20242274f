// Package persistence records execution outcomes in a directory of JSON
// files or in a MongoDB collection.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/batchexec/pkg/models"
)

const (
	indent = "    "
	prefix = ""

	saveTimeout = 30 * time.Second
)

var ErrExists = errors.New("outcome already recorded")

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// WriteJSONToFile serializes data and hands the bytes to writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}
	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// OutcomeStore keeps the last outcome of every execution.
type OutcomeStore interface {
	Save(ctx context.Context, o models.Outcome) error
}

// DirStore writes <Dir>/<execution uid>.json per outcome.
type DirStore struct {
	Dir       string
	Overwrite bool
}

func (s DirStore) Path(o models.Outcome) string {
	return filepath.Join(s.Dir, o.ExecutionUID.String()+".json")
}

func (s DirStore) Save(_ context.Context, o models.Outcome) error {
	err := WriteJSONToFile(o, s.Path(o), JSONSerializer{Prefix: prefix, Indent: indent}, FileWriter{Overwrite: s.Overwrite})
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, o.ExecutionUID)
	}
	return err
}

// MongoStore upserts outcomes keyed by execution uid.
type MongoStore struct {
	Collection *mongo.Collection
	Overwrite  bool
}

func (s MongoStore) Save(ctx context.Context, o models.Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	doc, err := Document(o)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": doc["_id"]}

	if !s.Overwrite {
		err := s.Collection.FindOne(ctx, filter).Err()
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, o.ExecutionUID)
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
	}

	_, err = s.Collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save outcome %s: %w", o.ExecutionUID, err)
	}
	return nil
}

// Document converts o to the stored form with the execution uid as _id.
func Document(o models.Outcome) (bson.M, error) {
	data, err := bson.Marshal(o)
	if err != nil {
		return nil, err
	}
	doc := bson.M{}
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc["_id"] = o.ExecutionUID.String()
	return doc, nil
}
