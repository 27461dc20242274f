// Package config loads backend profiles from a YAML file or a MongoDB
// document and flattens them into "."-separated keys.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"

	"github.com/andrej220/batchexec/pkg/config/configstore"
	"github.com/andrej220/batchexec/pkg/config/filestore"
	"github.com/andrej220/batchexec/pkg/config/mongostore"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrWatchUnsupported = errors.New("store does not support watching")
)

// Config combines the capabilities of every store.
type Config interface {
	configstore.ConfigStore
	configstore.Watcher
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"dbName" json:"dbName"`
	CollName string `yaml:"collName" json:"collName"`
	ID       string `yaml:"id" json:"id"` // Document ID
}

func NewStore(storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// LoadProfile reads the document of store and flattens it.
func LoadProfile(store configstore.ConfigStore) (map[string]string, error) {
	doc := make(map[string]any)
	if err := store.Load(&doc); err != nil {
		return nil, err
	}
	delete(doc, "_id")
	return Flatten(doc), nil
}

// WatchProfile calls onChange with the reloaded profile whenever the store
// reports a change. Reload failures go to onError.
func WatchProfile(ctx context.Context, store configstore.ConfigStore, onChange func(map[string]string), onError func(error)) error {
	w, ok := store.(configstore.Watcher)
	if !ok {
		return ErrWatchUnsupported
	}
	return w.Watch(ctx, func() {
		conf, err := LoadProfile(store)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(conf)
	})
}

// Close releases the resources held by store, if any.
func Close(store configstore.ConfigStore) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Flatten turns nested maps and lists into "."-joined keys; list elements
// are keyed by their position. Nil values are skipped.
//
//	resource:            resource.0.url: http://a
//	  - url: http://a    timeout: "5000"
//	timeout: 5000
func Flatten(doc map[string]any) map[string]string {
	out := make(map[string]string)
	flatten(out, "", reflect.ValueOf(doc))
	return out
}

func flatten(out map[string]string, prefix string, v reflect.Value) {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		values := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			values[k] = iter.Value()
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(out, join(prefix, k), values[k])
		}
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			out[prefix] = string(v.Bytes())
			return
		}
		for i := 0; i < v.Len(); i++ {
			flatten(out, join(prefix, strconv.Itoa(i)), v.Index(i))
		}
	default:
		out[prefix] = fmt.Sprint(v.Interface())
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
