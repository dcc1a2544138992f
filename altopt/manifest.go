package altopt

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestName is the manifest file name inside the output directory.
const ManifestName = "altopt_manifest.yaml"

// Entry records the artifact a completed step left behind.
type Entry struct {
	Iteration    int       `yaml:"iteration" json:"iteration"`
	ModelPath    string    `yaml:"model_path,omitempty" json:"model_path,omitempty"`
	ProposalPath string    `yaml:"proposal_path,omitempty" json:"proposal_path,omitempty"`
	CompletedAt  time.Time `yaml:"completed_at" json:"completed_at"`
	RunID        string    `yaml:"run_id" json:"run_id"`
}

// Manifest maps step names ("rpn_stage1", "rpn_stage1_proposals", ...) to their latest entry. It
// is rewritten after every completed step so that a later run can resume from it, in addition to
// scanning the output directory.
type Manifest struct {
	mu    sync.Mutex
	path  string
	Steps map[string]Entry `yaml:"steps"`
}

// LoadManifest reads the manifest in dir. A missing manifest is empty.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{path: filepath.Join(dir, ManifestName), Steps: map[string]Entry{}}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return m, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest %q: %w", m.path, err)
	}
	if m.Steps == nil {
		m.Steps = map[string]Entry{}
	}
	return m, nil
}

// Path is where the manifest is saved.
func (m *Manifest) Path() string {
	return m.path
}

// Lookup returns the entry of step whose artifact still exists on disk.
func (m *Manifest) Lookup(step string) (Entry, bool) {
	m.mu.Lock()
	e, ok := m.Steps[step]
	m.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	artifact := e.ModelPath
	if artifact == "" {
		artifact = e.ProposalPath
	}
	if artifact == "" {
		return Entry{}, false
	}
	if _, err := os.Stat(artifact); err != nil {
		return Entry{}, false
	}
	return e, true
}

// Snapshot returns a copy of the entries.
func (m *Manifest) Snapshot() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make(map[string]Entry, len(m.Steps))
	for k, v := range m.Steps {
		steps[k] = v
	}
	return steps
}

// Record stores e for step and saves the manifest.
func (m *Manifest) Record(step string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	m.Steps[step] = e
	return m.save()
}

// save writes to a temporary file and renames it, so a crash never leaves a truncated manifest.
func (m *Manifest) save() error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}
