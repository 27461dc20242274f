// Package sshexec runs a command line on a remote host over SSH, staging
// attachments next to it first.
package sshexec

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/andrej220/batchexec/pkg/profile"
)

const (
	KeyPrefix     = "ssh."
	KeyUser       = KeyPrefix + "user"
	KeyHost       = KeyPrefix + "host"
	KeyPort       = KeyPrefix + "port"
	KeyPrivateKey = KeyPrefix + "privateKey"
	KeyPassPhrase = KeyPrefix + "passPhrase"
	KeyBlob       = KeyPrefix + "blob"

	DefaultPort       = 22
	DefaultBlobPrefix = "/tmp/batchexec-blob-"

	ConnectTimeout    = 60 * time.Second
	KeepAliveInterval = 30 * time.Second
	PollInterval      = 100 * time.Millisecond
)

// Config is the connection profile of an Executor.
type Config struct {
	User           string `validate:"required"`
	Host           string `validate:"required"`
	Port           int    `validate:"gt=0,lte=65535"`
	PrivateKeyPath string `validate:"required"`
	PassPhrase     string
	BlobPrefix     string `validate:"required"`
}

// ParseConfig reads the ssh.* entries of conf. Values may contain ${NAME}
// placeholders resolved by r.
func ParseConfig(conf map[string]string, r *profile.Resolver) (*Config, error) {
	if r == nil {
		r = profile.NewResolver(nil)
	}
	host, _, err := profile.Lookup(conf, KeyHost, r, true)
	if err != nil {
		return nil, err
	}
	keyPath, _, err := profile.Lookup(conf, KeyPrivateKey, r, true)
	if err != nil {
		return nil, err
	}
	login, ok, err := profile.Lookup(conf, KeyUser, r, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		login = currentUser()
	}
	passPhrase, _, err := profile.Lookup(conf, KeyPassPhrase, r, false)
	if err != nil {
		return nil, err
	}
	blob, ok, err := profile.Lookup(conf, KeyBlob, r, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		blob = DefaultBlobPrefix
	}

	port := DefaultPort
	rawPort, ok, err := profile.Lookup(conf, KeyPort, r, false)
	if err != nil {
		return nil, err
	}
	if ok {
		port, err = strconv.Atoi(strings.TrimSpace(rawPort))
		if err != nil {
			return nil, &profile.ConfigError{Key: KeyPort, Value: rawPort, Reason: "must be an integer", Err: err}
		}
	}

	cfg := &Config{
		User:           login,
		Host:           host,
		Port:           port,
		PrivateKeyPath: keyPath,
		PassPhrase:     passPhrase,
		BlobPrefix:     blob,
	}
	if err := profile.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
