package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/types"
)

var ErrEmptyInstanceID = errors.New("instanceID cannot be empty")

// Database persists regulation settings and the command history of one or
// more bridge instances.
type Database interface {
	// Settings
	GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error)
	SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error

	// History
	InsertCommand(ctx context.Context, instanceID string, rec types.CommandRecord) error
	GetCommandHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.CommandRecord, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags. The returned
// Database is usable once lflag.Configure has run and Validate returned nil.
func Configured() *Configuration {
	provider := lflag.String("storage-provider", "memory", "Storage provider to use (available: memory, sqlite, firestore)")
	instanceID := lflag.String("instance-id", "default", "ID the settings and history of this bridge are stored under")

	c := &Configuration{}
	fs := configuredFirestore()
	sq := configuredSQLite()

	lflag.Do(func() {
		c.InstanceID = *instanceID
		switch *provider {
		case "memory":
			c.Database = NewMemory()
		case "sqlite":
			c.Database = sq
		case "firestore":
			c.Database = fs
		default:
			c.err = fmt.Errorf("unknown storage provider: %s", *provider)
		}
	})

	return c
}

// Configuration is the configured provider and the instance to store under.
type Configuration struct {
	Database
	InstanceID string

	err error
}

// Validate checks the flags.
func (c *Configuration) Validate() error {
	if c.err != nil {
		return c.err
	}
	if c.InstanceID == "" {
		return ErrEmptyInstanceID
	}
	if v, ok := c.Database.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// Init opens the provider.
func (c *Configuration) Init(ctx context.Context) error {
	if i, ok := c.Database.(interface{ Init(context.Context) error }); ok {
		return i.Init(ctx)
	}
	return nil
}

// Instance binds a Database to one instance ID.
func (c *Configuration) Instance() *Instance {
	return NewInstance(c.Database, c.InstanceID)
}
