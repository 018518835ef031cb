// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package roleenv

import (
	"context"
	"os"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

type environDoc struct {
	DeploymentID    string                      `yaml:"deployment-id"`
	Role            string                      `yaml:"role"`
	Emulated        bool                        `yaml:"emulated"`
	CurrentInstance string                      `yaml:"current-instance"`
	Instances       []instanceDoc               `yaml:"instances"`
	Settings        map[string]any              `yaml:"settings"`
	LocalResources  map[string]localResourceDoc `yaml:"local-resources"`
	Azure           *AzureConfig                `yaml:"azure,omitempty"`
}

type instanceDoc struct {
	ID        string            `yaml:"id"`
	Endpoints map[string]string `yaml:"endpoints"`
}

type localResourceDoc struct {
	Path   string `yaml:"path"`
	SizeMB int    `yaml:"size-mb,omitempty"`
}

// FileEnvironment is an Environment read from a YAML file. The file is
// rewritten by the platform when the deployment changes; Reload picks up
// the new contents.
type FileEnvironment struct {
	path string

	mu       sync.Mutex
	doc      environDoc
	topology TopologySource
}

// NewFileEnvironment reads the environment file at path.
func NewFileEnvironment(path string) (*FileEnvironment, error) {
	e := &FileEnvironment{path: path}
	if err := e.Reload(); err != nil {
		return nil, errors.Trace(err)
	}
	return e, nil
}

// ParseEnvironment parses an environment document. It is used by tests
// and by tools that read the document from somewhere other than a file.
func ParseEnvironment(data []byte) (*FileEnvironment, error) {
	doc, err := parseDoc(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &FileEnvironment{doc: doc}, nil
}

func parseDoc(data []byte) (environDoc, error) {
	var doc environDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return environDoc{}, errors.Annotate(err, "parsing role environment")
	}
	if doc.Role == "" {
		return environDoc{}, errors.NotValidf("missing role")
	}
	if doc.CurrentInstance == "" {
		return environDoc{}, errors.NotValidf("missing current-instance")
	}
	seen := make(map[string]bool)
	for _, inst := range doc.Instances {
		if inst.ID == "" {
			return environDoc{}, errors.NotValidf("instance with empty id")
		}
		if seen[inst.ID] {
			return environDoc{}, errors.NotValidf("duplicate instance %q", inst.ID)
		}
		seen[inst.ID] = true
	}
	if !seen[doc.CurrentInstance] {
		return environDoc{}, errors.NotValidf("current-instance %q not in instances", doc.CurrentInstance)
	}
	if doc.Azure != nil {
		if err := doc.Azure.Validate(); err != nil {
			return environDoc{}, errors.Annotate(err, "azure")
		}
	}
	return doc, nil
}

// Path returns the file the environment was read from.
func (e *FileEnvironment) Path() string {
	return e.path
}

// Reload re-reads the environment file.
func (e *FileEnvironment) Reload() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return errors.Annotatef(err, "reading role environment %q", e.path)
	}
	doc, err := parseDoc(data)
	if err != nil {
		return errors.Trace(err)
	}
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()
	return nil
}

// SetTopologySource makes Instances consult src instead of the
// instances listed in the file.
func (e *FileEnvironment) SetTopologySource(src TopologySource) {
	e.mu.Lock()
	e.topology = src
	e.mu.Unlock()
}

// DeploymentID is part of the Environment interface.
func (e *FileEnvironment) DeploymentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.DeploymentID
}

// RoleName is part of the Environment interface.
func (e *FileEnvironment) RoleName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Role
}

// IsEmulated is part of the Environment interface.
func (e *FileEnvironment) IsEmulated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Emulated
}

// CurrentInstance is part of the Environment interface.
func (e *FileEnvironment) CurrentInstance() Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inst := range e.doc.Instances {
		if inst.ID == e.doc.CurrentInstance {
			return toInstance(inst)
		}
	}
	return Instance{ID: e.doc.CurrentInstance}
}

// Instances is part of the Environment interface. Instances are
// returned in id order.
func (e *FileEnvironment) Instances(ctx context.Context) ([]Instance, error) {
	e.mu.Lock()
	src := e.topology
	docs := e.doc.Instances
	e.mu.Unlock()

	if src != nil {
		instances, err := src.Instances(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return instances, nil
	}

	instances := make([]Instance, len(docs))
	for i, doc := range docs {
		instances[i] = toInstance(doc)
	}
	SortInstances(instances)
	return instances, nil
}

// Settings is part of the Environment interface.
func (e *FileEnvironment) Settings() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.doc.Settings))
	for k, v := range e.doc.Settings {
		out[k] = v
	}
	return out
}

// LocalResource is part of the Environment interface.
func (e *FileEnvironment) LocalResource(name string) (LocalResource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.doc.LocalResources[name]
	if !ok {
		return LocalResource{}, errors.NotFoundf("local resource %q", name)
	}
	return LocalResource{
		Name:   name,
		Path:   doc.Path,
		SizeMB: doc.SizeMB,
	}, nil
}

// Azure is part of the Environment interface.
func (e *FileEnvironment) Azure() *AzureConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc.Azure == nil {
		return nil
	}
	cfg := *e.doc.Azure
	return &cfg
}

func toInstance(doc instanceDoc) Instance {
	endpoints := make(map[string]string, len(doc.Endpoints))
	for k, v := range doc.Endpoints {
		endpoints[k] = v
	}
	return Instance{ID: doc.ID, Endpoints: endpoints}
}
