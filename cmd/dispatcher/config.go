package main

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/andrej220/batchexec/pkg/config"
)

const (
	SERVICENAME = "dispatcher"
	ENVPREFIX   = "BATCHEXEC"
)

type Settings struct {
	Port           string   `envconfig:"PORT" default:"8084"`
	Backend        string   `envconfig:"BACKEND" default:"queue"`
	Workers        int      `envconfig:"WORKERS" default:"10"`
	MaxRequests    int      `envconfig:"MAX_REQUESTS" default:"0"`
	ProfileStore   string   `envconfig:"PROFILE_STORE" default:"file"`
	ProfilePath    string   `envconfig:"PROFILE_PATH" default:"profile.yaml"`
	ProfileWatch   bool     `envconfig:"PROFILE_WATCH" default:"true"`
	MongoURI       string   `envconfig:"MONGO_URI" default:""`
	MongoDB        string   `envconfig:"MONGO_DB" default:"batchexec"`
	ProfileColl    string   `envconfig:"PROFILE_COLLECTION" default:"profiles"`
	ProfileID      string   `envconfig:"PROFILE_ID" default:"default"`
	OutcomeColl    string   `envconfig:"OUTCOME_COLLECTION" default:""`
	OutcomeDir     string   `envconfig:"OUTCOME_DIR" default:""`
	KafkaBrokers   []string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaGroup     string   `envconfig:"KAFKA_GROUP" default:"batchexec-dispatcher"`
	RequestTopic   string   `envconfig:"REQUEST_TOPIC" default:"batchexec-requests"`
	OutcomeTopic   string   `envconfig:"OUTCOME_TOPIC" default:"batchexec-outcomes"`
	ProfileVarsEnv bool     `envconfig:"PROFILE_VARS_FROM_ENV" default:"true"`
}

func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(ENVPREFIX, &s); err != nil {
		return s, fmt.Errorf("failed to load config: %w", err)
	}
	s.KafkaBrokers = compact(s.KafkaBrokers)
	return s, nil
}

// StoreConfig returns the profile store selected by the settings.
func (s Settings) StoreConfig() (config.StoreType, any, error) {
	switch strings.ToLower(s.ProfileStore) {
	case "file":
		return config.FileStore, &config.FileConfig{Path: s.ProfilePath}, nil
	case "mongo":
		if s.MongoURI == "" {
			return 0, nil, fmt.Errorf("%s_MONGO_URI is required for the mongo profile store", ENVPREFIX)
		}
		return config.MongoStore, &config.MongoConfig{
			URI:      s.MongoURI,
			DBName:   s.MongoDB,
			CollName: s.ProfileColl,
			ID:       s.ProfileID,
		}, nil
	}
	return 0, nil, fmt.Errorf("%w: %q", config.ErrInvalidStoreType, s.ProfileStore)
}

func (s Settings) KafkaEnabled() bool { return len(s.KafkaBrokers) > 0 }

func compact(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
