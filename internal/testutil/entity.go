package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"catalyst-go/internal/auth"
	"catalyst-go/internal/catalyst"
)

// NewIdentity creates a fresh signing identity.
func NewIdentity(t *testing.T) *auth.Identity {
	t.Helper()
	id, err := auth.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity() error = %v", err)
	}
	return id
}

// EntityBuilder assembles a signed entity with its files.
type EntityBuilder struct {
	t        *testing.T
	typ      catalyst.EntityType
	ts       int64
	pointers []string
	metadata json.RawMessage
	files    []namedFile
	signer   *auth.Identity
	deletion bool
}

type namedFile struct {
	name string
	data []byte
}

// NewEntity starts a scene entity at timestamp ts (Unix millis).
func NewEntity(t *testing.T, signer *auth.Identity, ts int64, pointers ...string) *EntityBuilder {
	return &EntityBuilder{
		t:        t,
		typ:      catalyst.EntityTypeScene,
		ts:       ts,
		pointers: pointers,
		metadata: json.RawMessage(`{"name":"test"}`),
		signer:   signer,
	}
}

// NewEntityAt is NewEntity with a time.Time timestamp.
func NewEntityAt(t *testing.T, signer *auth.Identity, at time.Time, pointers ...string) *EntityBuilder {
	return NewEntity(t, signer, at.UnixMilli(), pointers...)
}

func (b *EntityBuilder) Type(typ catalyst.EntityType) *EntityBuilder {
	b.typ = typ
	return b
}

func (b *EntityBuilder) Metadata(raw string) *EntityBuilder {
	b.metadata = json.RawMessage(raw)
	return b
}

func (b *EntityBuilder) File(name string, data []byte) *EntityBuilder {
	b.files = append(b.files, namedFile{name: name, data: data})
	return b
}

// Deletion drops metadata and content so the entity clears its pointers.
func (b *EntityBuilder) Deletion() *EntityBuilder {
	b.deletion = true
	return b
}

// BuiltEntity is a signed entity ready to be deployed.
type BuiltEntity struct {
	Entity    *catalyst.Entity
	File      []byte
	AuthChain catalyst.AuthChain
	Files     MapSource
}

func (b *EntityBuilder) Build() *BuiltEntity {
	b.t.Helper()

	e := &catalyst.Entity{
		Version:   "v3",
		Type:      b.typ,
		Pointers:  catalyst.NormalizePointers(b.pointers),
		Timestamp: b.ts,
	}
	files := MapSource{}
	if !b.deletion {
		e.Metadata = b.metadata
		for _, f := range b.files {
			hash := catalyst.HashBytes(f.data)
			e.Content = append(e.Content, catalyst.ContentMapping{File: f.name, Hash: hash})
			files[hash] = f.data
		}
	}

	file, err := catalyst.MarshalEntityFile(e)
	if err != nil {
		b.t.Fatalf("MarshalEntityFile() error = %v", err)
	}
	e.ID = catalyst.HashBytes(file)

	chain, err := b.signer.SignChain(e.ID)
	if err != nil {
		b.t.Fatalf("SignChain() error = %v", err)
	}
	return &BuiltEntity{Entity: e, File: file, AuthChain: chain, Files: files}
}

// Candidate returns a deployment candidate received at the entity timestamp.
func (e *BuiltEntity) Candidate(mode catalyst.DeploymentMode) *catalyst.DeploymentCandidate {
	parsed := *e.Entity
	return &catalyst.DeploymentCandidate{
		Entity:     &parsed,
		EntityFile: e.File,
		AuthChain:  e.AuthChain,
		Files:      e.Sizes(),
		Source:     e.Files,
		ReceivedAt: e.Entity.Timestamp,
		Mode:       mode,
	}
}

// DeployRequest returns the request an HTTP upload of the entity produces.
func (e *BuiltEntity) DeployRequest() catalyst.DeployRequest {
	return catalyst.DeployRequest{
		EntityID:   e.Entity.ID,
		EntityFile: e.File,
		AuthChain:  e.AuthChain,
		Files:      e.Sizes(),
		Source:     e.Files,
	}
}

// Sizes maps each content hash to its length.
func (e *BuiltEntity) Sizes() map[string]int64 {
	out := make(map[string]int64, len(e.Files))
	for h, data := range e.Files {
		out[h] = int64(len(data))
	}
	return out
}
