// Package file layers declarative YAML seeding on the memory backend:
// node and workflow definitions are loaded at startup and reloaded on
// file change.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/pureboot/pureboot/pkg/backend/memory"
	"github.com/pureboot/pureboot/pkg/data"
)

// seedNode is the YAML shape of a declared node.
type seedNode struct {
	ID       string        `yaml:"id"`
	MAC      string        `yaml:"mac" validate:"required,mac"`
	Hostname string        `yaml:"hostname"`
	Serial   string        `yaml:"serial"`
	Arch     data.Arch     `yaml:"arch" validate:"omitempty,oneof=x86_64 aarch64 armv7l"`
	Firmware data.Firmware `yaml:"firmware" validate:"omitempty,oneof=bios uefi"`
	State    data.NodeState `yaml:"state"`
	Workflow string        `yaml:"workflow"`
	SiteID   string        `yaml:"site_id"`
	GroupID  string        `yaml:"group_id"`
	Tags     []string      `yaml:"tags"`
}

// seedFile is the YAML shape of the backend file.
type seedFile struct {
	Nodes     []seedNode      `yaml:"nodes" validate:"dive"`
	Workflows []data.Workflow `yaml:"workflows" validate:"dive"`
}

// Backend is a memory store seeded from a YAML file. Declared workflows are
// replaced wholesale on reload; declared nodes are created once and never
// mutated by reloads, runtime state stays authoritative.
type Backend struct {
	*memory.Store
	path     string
	log      logr.Logger
	validate *validator.Validate
}

// New loads the seed file into a fresh memory store.
func New(path string, log logr.Logger) (*Backend, error) {
	b := &Backend{
		Store:    memory.NewStore(),
		path:     path,
		log:      log,
		validate: validator.New(),
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) load() error {
	raw, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("reading backend file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parsing backend file %s: %w", b.path, err)
	}
	if err := b.validate.Struct(&seed); err != nil {
		return fmt.Errorf("validating backend file %s: %w", b.path, err)
	}

	ctx := context.Background()
	for i := range seed.Workflows {
		wf := seed.Workflows[i]
		if err := validateOrdinals(&wf); err != nil {
			return fmt.Errorf("workflow %s: %w", wf.ID, err)
		}
		if err := b.Store.PutWorkflow(ctx, &wf); err != nil {
			return err
		}
	}

	now := time.Now()
	for _, sn := range seed.Nodes {
		state := sn.State
		if state == "" {
			state = data.StatePending
		}
		n := &data.Node{
			ID:         sn.ID,
			MAC:        sn.MAC,
			Hostname:   sn.Hostname,
			Serial:     sn.Serial,
			Arch:       sn.Arch,
			Firmware:   sn.Firmware,
			State:      state,
			WorkflowID: sn.Workflow,
			SiteID:     sn.SiteID,
			GroupID:    sn.GroupID,
			Tags:       sn.Tags,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if n.ID == "" {
			n.ID = ulid.Make().String()
		}
		if err := b.Store.Create(ctx, n); err != nil {
			// already present from a previous load; runtime state wins
			b.log.V(1).Info("skipping declared node", "mac", sn.MAC, "reason", err.Error())
		}
	}
	b.log.Info("backend file loaded", "path", b.path,
		"nodes", len(seed.Nodes), "workflows", len(seed.Workflows))
	return nil
}

func validateOrdinals(wf *data.Workflow) error {
	seen := make(map[int]bool, len(wf.Tasks))
	for _, t := range wf.Tasks {
		if seen[t.Ordinal] {
			return fmt.Errorf("duplicate task ordinal %d", t.Ordinal)
		}
		seen[t.Ordinal] = true
	}
	return nil
}

// Watch reloads the seed file whenever it changes, until ctx is done.
// Editors that replace the file are handled by watching the directory.
func (b *Backend) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(b.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(b.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := b.load(); err != nil {
				b.log.Error(err, "reloading backend file")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Error(err, "backend file watcher")
		}
	}
}
