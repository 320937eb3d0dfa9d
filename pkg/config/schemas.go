package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds compiled CUE schemas by name.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry holding the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaResource, builtinResourceSchema); err != nil {
		panic(err)
	}
	return sr
}

// SchemaResource names the built-in definition schema.
const SchemaResource = "resource"

// RegisterSchema compiles schema and stores it under name, replacing any
// previous schema of that name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Context returns the CUE context values must be built in to be unified
// with the registry's schemas.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// Unify checks val against the definition def of schema name and returns
// the unified value.
func (sr *SchemaRegistry) Unify(name, def string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	d := schema.LookupPath(cue.ParsePath(def))
	if !d.Exists() {
		return cue.Value{}, fmt.Errorf("schema %s has no %s", name, def)
	}
	unified := d.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// Validate checks Go data against the definition def of schema name.
func (sr *SchemaRegistry) Validate(name, def string, data interface{}) error {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := sr.Unify(name, def, val)
	return err
}

const builtinResourceSchema = `
#Resource: {
	workspaceId: string & !=""
	resourceId?: string & =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
	name:        string & !=""
	description?: string
	type:         "BUCKET" | "VM" | "IDENTITY" | "NOTEBOOK" | "FLEXIBLE"
	stewardship?: "CONTROLLED" | "REFERENCED"
	createdBy?:   string
	attributes: {...}

	if type == "BUCKET" {attributes: #Bucket}
	if type == "VM" {attributes: #VM}
	if type == "IDENTITY" {attributes: #Identity}
	if type == "NOTEBOOK" {attributes: #Notebook}
	if type == "FLEXIBLE" {attributes: #Flexible}
}

#Labels: {[string]: string}

#Bucket: {
	bucketName:    string & =~"^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$"
	region?:       string
	storageClass?: "STANDARD" | "STANDARD_IA" | "ONEZONE_IA" | "INTELLIGENT_TIERING" | "GLACIER_IR"
	labels?:       #Labels
}

#VM: {
	imageId:       string & !=""
	instanceType:  string & !=""
	subnetId?:     string
	identity?:     string
	labels?:       #Labels
	instanceId?:       string
	availabilityZone?: string
	region?:           string
}

#Identity: {
	roleName:            string & =~"^[A-Za-z0-9+=,.@_-]{1,64}$"
	description?:        string
	trustPolicy?:        string
	labels?:             #Labels
	arn?:                string
	instanceProfileArn?: string
}

#Notebook: {
	containerName: string & =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$"
	image?:        string
	port?:         int & >=0 & <=65535
	env?:          {[string]: string}
	labels?:       #Labels
	stopped?:      bool
}

#Flexible: {
	typeNamespace: string & !=""
	typeName:      string & !=""
	data?:         _
}
`
