package sd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const instanceFile = "instance_id"

// Instance identifies one running installation of the app.
//
// Each instance owns its own per-document log files; no two instances ever
// write to the same file, which is what lets concurrent devices share a sync
// directory without locking.
type Instance struct {
	// ID is the stable installation identity (uuid).
	ID string

	// Profile is the user profile this installation runs under.
	Profile string
}

// LoadOrCreateInstance reads the installation identity from stateDir,
// creating a fresh one on first run.
//
// stateDir is local application state (not inside any sync directory); the
// identity must survive re-attaching sync directories.
func LoadOrCreateInstance(stateDir, profile string) (Instance, error) {
	if profile == "" {
		return Instance{}, fmt.Errorf("profile cannot be empty")
	}

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return Instance{}, fmt.Errorf("failed to create state directory: %w", err)
	}

	path := filepath.Join(stateDir, instanceFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return Instance{ID: id, Profile: profile}, nil
		}
	} else if !os.IsNotExist(err) {
		return Instance{}, fmt.Errorf("failed to read instance id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return Instance{}, fmt.Errorf("failed to write instance id: %w", err)
	}

	return Instance{ID: id, Profile: profile}, nil
}

// Presence is a device presence record stored under profiles/.
//
// Presence files let devices discover each other and show "last seen"
// information. They carry no authoritative state.
type Presence struct {
	Profile    string    `json:"profile"`
	InstanceID string    `json:"instance_id"`
	Hostname   string    `json:"hostname,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// TouchPresence writes (or refreshes) this instance's presence record.
func (s *SD) TouchPresence(inst Instance) error {
	hostname, _ := os.Hostname()

	p := Presence{
		Profile:    inst.Profile,
		InstanceID: inst.ID,
		Hostname:   hostname,
		LastSeen:   time.Now().UTC(),
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	name := fmt.Sprintf("%s.%s.json", inst.Profile, inst.ID)
	path := filepath.Join(s.ProfilesDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write presence file: %w", err)
	}

	return nil
}

// ListPresence returns all readable device presence records.
//
// Unparseable files are skipped: a partially-synced presence file is
// expected and harmless.
func (s *SD) ListPresence() ([]Presence, error) {
	entries, err := os.ReadDir(s.ProfilesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}

	var records []Presence
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.ProfilesDir(), entry.Name()))
		if err != nil {
			continue
		}

		var p Presence
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		records = append(records, p)
	}

	return records, nil
}
