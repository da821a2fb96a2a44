package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yutampo/yutampo/pkg/log"
	"github.com/yutampo/yutampo/pkg/types"
)

// commandDocTime formats timestamps with a fixed width so document IDs sort
// chronologically.
const commandDocTime = "2006-01-02T15:04:05.000000000Z"

// FirestoreProvider stores settings and command history in Google Cloud
// Firestore under instances/{instanceID}.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// an empty project is detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(instanceID, name string) (*firestore.CollectionRef, error) {
	if instanceID == "" {
		return nil, ErrEmptyInstanceID
	}
	return f.client.Collection("instances").Doc(instanceID).Collection(name), nil
}

// GetSettings retrieves the settings from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error) {
	coll, err := f.getCollection(instanceID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "settings doc missing json", slog.String("instanceID", instanceID))
		return types.Settings{}, 0, fmt.Errorf("settings document missing 'json' field: %w", err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return types.Settings{}, 0, fmt.Errorf("settings 'json' field is not a string")
	}

	var s types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal settings json", slog.String("instanceID", instanceID), slog.Any("error", err))
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the settings to the "config/settings" document as a
// JSON string.
func (f *FirestoreProvider) SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(instanceID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func commandDocID(ts time.Time, deviceID string) string {
	return ts.UTC().Format(commandDocTime) + "_" + deviceID
}

// InsertCommand adds a command record to the "command_history" collection.
// The document ID starts with the timestamp for efficient range queries.
func (f *FirestoreProvider) InsertCommand(ctx context.Context, instanceID string, rec types.CommandRecord) error {
	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	coll, err := f.getCollection(instanceID, "command_history")
	if err != nil {
		return err
	}
	_, err = coll.Doc(commandDocID(rec.Timestamp, rec.DeviceID)).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": rec.Timestamp,
		"deviceID":  rec.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

// GetCommandHistory retrieves the records within [start, end) using
// document ID range queries.
func (f *FirestoreProvider) GetCommandHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.CommandRecord, error) {
	coll, err := f.getCollection(instanceID, "command_history")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(commandDocTime))).
		Where(firestore.DocumentID, "<", coll.Doc(end.UTC().Format(commandDocTime))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []types.CommandRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate command history: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "command doc missing json", slog.String("id", doc.Ref.ID))
			continue
		}
		jsonStr, ok := val.(string)
		if !ok {
			continue
		}
		var rec types.CommandRecord
		if err := json.Unmarshal([]byte(jsonStr), &rec); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal command json", slog.String("id", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
