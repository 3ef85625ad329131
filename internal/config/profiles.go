package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile errors.
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileExists   = errors.New("profile already exists")
	ErrNoCurrent       = errors.New("no current profile set")
)

// Profile is a saved cluster connection.
type Profile struct {
	// SSHHost names an ssh_config Host alias; when set it takes the place of
	// Hostname, Username, KeyFile and Port.
	SSHHost string `yaml:"ssh_host,omitempty"`

	Hostname  string `yaml:"hostname,omitempty"`
	Username  string `yaml:"username,omitempty"`
	KeyFile   string `yaml:"key_file,omitempty"`
	Port      int    `yaml:"port,omitempty"`
	ProxyJump string `yaml:"proxy_jump,omitempty"`

	Description string            `yaml:"description,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// Validate checks that the profile names a way to connect.
func (p *Profile) Validate() error {
	if p.SSHHost != "" {
		return nil
	}
	if p.Hostname == "" || p.Username == "" {
		return errors.New("profile needs ssh_host or hostname and username")
	}
	if p.Port < 0 || p.Port > 65535 {
		return fmt.Errorf("invalid port %d", p.Port)
	}
	return nil
}

// Target describes where the profile connects, for display.
func (p *Profile) Target() string {
	if p.SSHHost != "" {
		return "ssh:" + p.SSHHost
	}
	port := p.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s@%s:%d", p.Username, p.Hostname, port)
}

// Profiles is the on-disk profile document.
type Profiles struct {
	Current   string              `yaml:"current,omitempty"`
	Profiles  map[string]*Profile `yaml:"profiles,omitempty"`
	UpdatedAt time.Time           `yaml:"updated_at,omitempty"`
}

// Names returns profile names in sorted order.
func (p *Profiles) Names() []string {
	names := make([]string, 0, len(p.Profiles))
	for name := range p.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProfileStore manages loading and saving profiles.
type ProfileStore struct {
	path string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewProfileStore creates a profile store.
// If path is empty, uses the default path (~/.config/slurmssh/profiles.yaml).
func NewProfileStore(path string) *ProfileStore {
	if path == "" {
		homeDir, _ := os.UserHomeDir()
		path = filepath.Join(homeDir, ".config", "slurmssh", "profiles.yaml")
	}
	return &ProfileStore{path: path, now: time.Now}
}

// Path returns the profile file path.
func (s *ProfileStore) Path() string {
	return s.path
}

// Load reads the profiles from disk.
// Returns an empty document if the file doesn't exist.
func (s *ProfileStore) Load() (*Profiles, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

func (s *ProfileStore) load() (*Profiles, error) {
	doc := &Profiles{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			doc.Profiles = map[string]*Profile{}
			return doc, nil
		}
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}
	if doc.Profiles == nil {
		doc.Profiles = map[string]*Profile{}
	}
	return doc, nil
}

func (s *ProfileStore) save(doc *Profiles) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	doc.UpdatedAt = s.now().UTC()
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize profiles: %w", err)
	}
	// Profiles may carry tokens in Env.
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write profile file: %w", err)
	}
	return nil
}

// update loads the document, applies fn and saves it.
func (s *ProfileStore) update(fn func(*Profiles) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// Add stores a new profile. With replace it overwrites an existing one.
func (s *ProfileStore) Add(name string, p Profile, replace bool) error {
	if name == "" {
		return errors.New("profile name is required")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid profile %q: %w", name, err)
	}
	return s.update(func(doc *Profiles) error {
		if _, ok := doc.Profiles[name]; ok && !replace {
			return fmt.Errorf("%w: %s", ErrProfileExists, name)
		}
		doc.Profiles[name] = &p
		return nil
	})
}

// Get returns the named profile.
func (s *ProfileStore) Get(name string) (*Profile, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	p, ok := doc.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, nil
}

// Remove deletes a profile, clearing it as current if selected.
func (s *ProfileStore) Remove(name string) error {
	return s.update(func(doc *Profiles) error {
		if _, ok := doc.Profiles[name]; !ok {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		delete(doc.Profiles, name)
		if doc.Current == name {
			doc.Current = ""
		}
		return nil
	})
}

// SetCurrent selects the default profile.
func (s *ProfileStore) SetCurrent(name string) error {
	return s.update(func(doc *Profiles) error {
		if _, ok := doc.Profiles[name]; !ok {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		doc.Current = name
		return nil
	})
}

// Current returns the selected profile and its name.
func (s *ProfileStore) Current() (string, *Profile, error) {
	doc, err := s.Load()
	if err != nil {
		return "", nil, err
	}
	if doc.Current == "" {
		return "", nil, ErrNoCurrent
	}
	p, ok := doc.Profiles[doc.Current]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrProfileNotFound, doc.Current)
	}
	return doc.Current, p, nil
}

// SetEnv sets (value != nil) or unsets a profile environment variable.
func (s *ProfileStore) SetEnv(name, key string, value *string) error {
	return s.update(func(doc *Profiles) error {
		p, ok := doc.Profiles[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		if value == nil {
			delete(p.Env, key)
			return nil
		}
		if p.Env == nil {
			p.Env = map[string]string{}
		}
		p.Env[key] = *value
		return nil
	})
}
