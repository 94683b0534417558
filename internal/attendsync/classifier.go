package attendsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RoleClassifier decides whether a reconciled group is staff (panelist/host)
// or a regular attendee. The rules are business heuristics, so the classifier
// is swappable and its configuration lives outside the binary.
type RoleClassifier interface {
	Classify(email, name, rawRole string) AttendeeRole
}

// ClassifierConfig is the externally supplied rule set: staff email domains,
// organizer name patterns (case-insensitive substrings), and nothing else.
// Explicit panelist/host role flags from the provider always win.
type ClassifierConfig struct {
	StaffDomains      []string `json:"staffDomains"`
	OrganizerPatterns []string `json:"organizerPatterns"`
}

const classifierConfigSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"staffDomains": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"organizerPatterns": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		}
	},
	"additionalProperties": false
}`

type HeuristicClassifier struct {
	mu       sync.RWMutex
	domains  []string
	patterns []string
}

func NewHeuristicClassifier(cfg ClassifierConfig) *HeuristicClassifier {
	c := &HeuristicClassifier{}
	c.apply(cfg)
	return c
}

func (c *HeuristicClassifier) apply(cfg ClassifierConfig) {
	domains := make([]string, 0, len(cfg.StaffDomains))
	for _, domain := range cfg.StaffDomains {
		domain = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(domain, "@")))
		if domain != "" {
			domains = append(domains, domain)
		}
	}
	patterns := make([]string, 0, len(cfg.OrganizerPatterns))
	for _, pattern := range cfg.OrganizerPatterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	c.mu.Lock()
	c.domains = domains
	c.patterns = patterns
	c.mu.Unlock()
}

func (c *HeuristicClassifier) Classify(email, name, rawRole string) AttendeeRole {
	switch strings.ToLower(strings.TrimSpace(rawRole)) {
	case "panelist", "host", "co-host", "cohost":
		return RoleStaff
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	if at := strings.LastIndex(email, "@"); at >= 0 {
		domain := email[at+1:]
		for _, staffDomain := range c.domains {
			if domain == staffDomain {
				return RoleStaff
			}
		}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" {
		for _, pattern := range c.patterns {
			if strings.Contains(name, pattern) {
				return RoleStaff
			}
		}
	}
	return RoleAttendee
}

// LoadClassifierConfig reads and schema-validates a classifier config file.
func LoadClassifierConfig(path string) (ClassifierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ClassifierConfig{}, err
	}
	return parseClassifierConfig(data)
}

func parseClassifierConfig(data []byte) (ClassifierConfig, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(classifierConfigSchema))
	if err != nil {
		return ClassifierConfig{}, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("classifier.schema.json", schemaDoc); err != nil {
		return ClassifierConfig{}, err
	}
	schema, err := compiler.Compile("classifier.schema.json")
	if err != nil {
		return ClassifierConfig{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return ClassifierConfig{}, fmt.Errorf("classifier config is not valid json: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return ClassifierConfig{}, fmt.Errorf("classifier config rejected: %w", err)
	}
	var cfg ClassifierConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ClassifierConfig{}, err
	}
	return cfg, nil
}

// WatchClassifierConfig reloads the classifier whenever the config file
// changes. Invalid updates are logged and the previous rules stay active.
// The returned stop function releases the watcher.
func WatchClassifierConfig(path string, classifier *HeuristicClassifier, logger Logger) (func(), error) {
	logger = orNopLogger(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files via rename, which would
	// otherwise drop the watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, loadErr := LoadClassifierConfig(target)
				if loadErr != nil {
					logger.Printf("classifier config reload skipped: %v", loadErr)
					continue
				}
				classifier.apply(cfg)
				logger.Printf("classifier config reloaded: %d staff domains, %d organizer patterns",
					len(cfg.StaffDomains), len(cfg.OrganizerPatterns))
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("classifier config watcher error: %v", watchErr)
			}
		}
	}()
	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}
