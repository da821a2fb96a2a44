package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yutampo/yutampo/pkg/types"
)

type memoryInstance struct {
	settings []byte
	version  int
	commands []types.CommandRecord
}

// Memory keeps everything in process. Nothing survives a restart.
type Memory struct {
	mu        sync.Mutex
	instances map[string]*memoryInstance
}

// NewMemory returns an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{instances: make(map[string]*memoryInstance)}
}

func (m *Memory) instance(instanceID string) (*memoryInstance, error) {
	if instanceID == "" {
		return nil, ErrEmptyInstanceID
	}
	inst, ok := m.instances[instanceID]
	if !ok {
		inst = &memoryInstance{}
		m.instances[instanceID] = inst
	}
	return inst, nil
}

// GetSettings returns the stored settings or a zero version if none.
func (m *Memory) GetSettings(ctx context.Context, instanceID string) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(instanceID)
	if err != nil {
		return types.Settings{}, 0, err
	}
	if inst.settings == nil {
		return types.Settings{}, 0, nil
	}
	// round trip through JSON so callers never share the stored maps
	var s types.Settings
	if err := json.Unmarshal(inst.settings, &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return s, inst.version, nil
}

// SetSettings stores the settings.
func (m *Memory) SetSettings(ctx context.Context, instanceID string, settings types.Settings, version int) error {
	b, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(instanceID)
	if err != nil {
		return err
	}
	inst.settings = b
	inst.version = version
	return nil
}

// InsertCommand appends a command record.
func (m *Memory) InsertCommand(ctx context.Context, instanceID string, rec types.CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(instanceID)
	if err != nil {
		return err
	}
	inst.commands = append(inst.commands, rec)
	return nil
}

// GetCommandHistory returns the records in [start, end) oldest first.
func (m *Memory) GetCommandHistory(ctx context.Context, instanceID string, start, end time.Time) ([]types.CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, err := m.instance(instanceID)
	if err != nil {
		return nil, err
	}
	var out []types.CommandRecord
	for _, rec := range inst.commands {
		if !rec.Timestamp.Before(start) && rec.Timestamp.Before(end) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
