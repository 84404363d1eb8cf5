package catalyst

import (
	"bytes"
	"encoding/json"
	"strings"
)

// EntityType is the kind of an entity. Unknown types fail structural validation.
type EntityType string

const (
	EntityTypeScene    EntityType = "scene"
	EntityTypeProfile  EntityType = "profile"
	EntityTypeWearable EntityType = "wearable"
	EntityTypeEmote    EntityType = "emote"
	EntityTypeStore    EntityType = "store"
	EntityTypeOutfits  EntityType = "outfits"
)

var knownEntityTypes = map[EntityType]struct{}{
	EntityTypeScene:    {},
	EntityTypeProfile:  {},
	EntityTypeWearable: {},
	EntityTypeEmote:    {},
	EntityTypeStore:    {},
	EntityTypeOutfits:  {},
}

// Valid reports whether t is a recognised entity type.
func (t EntityType) Valid() bool {
	_, ok := knownEntityTypes[t]
	return ok
}

// ContentMapping binds a logical file name inside an entity to a content hash.
type ContentMapping struct {
	File string `json:"file"`
	Hash string `json:"hash"`
}

// Entity is an immutable unit of content. ID is the hash of the entity file.
// Timestamp is in milliseconds since the Unix epoch.
type Entity struct {
	ID        string           `json:"id"`
	Version   string           `json:"version"`
	Type      EntityType       `json:"type"`
	Pointers  []string         `json:"pointers"`
	Timestamp int64            `json:"timestamp"`
	Content   []ContentMapping `json:"content,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
}

// IsDeletion reports whether the entity clears its pointers instead of
// claiming them: it carries neither content nor metadata.
func (e *Entity) IsDeletion() bool {
	return len(e.Content) == 0 && metadataEmpty(e.Metadata)
}

// ContentHashes returns the distinct content hashes the entity references, in
// first-seen order.
func (e *Entity) ContentHashes() []string {
	seen := make(map[string]struct{}, len(e.Content))
	hashes := make([]string, 0, len(e.Content))
	for _, c := range e.Content {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		hashes = append(hashes, c.Hash)
	}
	return hashes
}

func metadataEmpty(m json.RawMessage) bool {
	trimmed := bytes.TrimSpace(m)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}"))
}

// NormalizePointers lower-cases, trims and de-duplicates pointers, keeping
// first-seen order.
func NormalizePointers(pointers []string) []string {
	seen := make(map[string]struct{}, len(pointers))
	out := make([]string, 0, len(pointers))
	for _, p := range pointers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// AuthLinkType identifies the role of a link in an auth chain.
type AuthLinkType string

const (
	AuthLinkSigner            AuthLinkType = "SIGNER"
	AuthLinkEphemeral         AuthLinkType = "ECDSA_EPHEMERAL"
	AuthLinkSignedEntity      AuthLinkType = "ECDSA_SIGNED_ENTITY"
	AuthLinkSignedEntityAlias AuthLinkType = "ECDSA_PERSONAL_SIGNED_ENTITY"
)

type AuthLink struct {
	Type      AuthLinkType `json:"type"`
	Payload   string       `json:"payload"`
	Signature string       `json:"signature,omitempty"`
}

// AuthChain is an ordered list of links. The first link names the root signer.
type AuthChain []AuthLink

// Signer returns the lower-cased root address, or "" for an empty chain.
func (c AuthChain) Signer() string {
	if len(c) == 0 || c[0].Type != AuthLinkSigner {
		return ""
	}
	return strings.ToLower(c[0].Payload)
}

// Deployment is the persisted record binding an entity to its proof of
// authorship. Timestamps are milliseconds since the Unix epoch.
type Deployment struct {
	EntityID          string           `json:"entityId"`
	EntityType        EntityType       `json:"entityType"`
	Pointers          []string         `json:"pointers"`
	EntityTimestamp   int64            `json:"entityTimestamp"`
	Version           string           `json:"version"`
	Content           []ContentMapping `json:"content,omitempty"`
	Metadata          json.RawMessage  `json:"metadata,omitempty"`
	DeployerAddress   string           `json:"deployerAddress"`
	AuthChain         AuthChain        `json:"authChain"`
	LocalTimestamp    int64            `json:"localTimestamp"`
	OverwrittenBy     string           `json:"overwrittenBy,omitempty"`
	OverwrittenAt     int64            `json:"overwrittenAt,omitempty"`
	DeleterDeployment string           `json:"deleterDeployment,omitempty"`
}

// Entity rebuilds the entity view of the deployment.
func (d *Deployment) Entity() *Entity {
	return &Entity{
		ID:        d.EntityID,
		Version:   d.Version,
		Type:      d.EntityType,
		Pointers:  d.Pointers,
		Timestamp: d.EntityTimestamp,
		Content:   d.Content,
		Metadata:  d.Metadata,
	}
}

// Active reports whether the deployment has not been superseded.
func (d *Deployment) Active() bool { return d.OverwrittenBy == "" }

// PointerHead is the deployment that currently decides a pointer. For
// deletions the pointer is empty but the head is still the tombstone.
type PointerHead struct {
	EntityID        string
	EntityTimestamp int64
	Deletion        bool
}

// Beats reports whether a deployment with (timestamp, id) wins over h.
// Ordering is last-writer-wins on the entity timestamp; equal timestamps go
// to the lexically greater entity id.
func (h *PointerHead) Beats(timestamp int64, id string) bool {
	return Newer(timestamp, id, h.EntityTimestamp, h.EntityID)
}

// Newer reports whether (ts, id) orders after (otherTS, otherID).
func Newer(ts int64, id string, otherTS int64, otherID string) bool {
	if ts != otherTS {
		return ts > otherTS
	}
	return id > otherID
}

// FailureReason classifies a failed deployment.
type FailureReason string

const (
	FailureValidation FailureReason = "validation_error"
	FailurePermission FailureReason = "permission_error"
	FailureDeployment FailureReason = "deployment_error"
	FailureFetch      FailureReason = "fetch_problem"
)

// Retryable reports whether the sync loop should try the entity again.
func (r FailureReason) Retryable() bool {
	return r != FailureValidation && r != FailurePermission
}

// FailedDeployment is keyed by (EntityID, EntityType).
type FailedDeployment struct {
	EntityID         string        `json:"entityId"`
	EntityType       EntityType    `json:"entityType"`
	Reason           FailureReason `json:"reason"`
	FailureTimestamp int64         `json:"failureTimestamp"`
	AuthChain        AuthChain     `json:"authChain,omitempty"`
	ErrorDescription string        `json:"errorDescription"`
	SnapshotHash     string        `json:"snapshotHash,omitempty"`
	PeerAddress      string        `json:"peerAddress,omitempty"`
}

// Snapshot summarises the deployments whose local timestamp falls in
// [InitTimestamp, EndTimestamp).
type Snapshot struct {
	Hash             string   `json:"hash"`
	InitTimestamp    int64    `json:"initTimestamp"`
	EndTimestamp     int64    `json:"endTimestamp"`
	ReplacedHashes   []string `json:"replacedSnapshotHashes,omitempty"`
	NumberOfEntities int      `json:"numberOfEntities"`
	GenerationTime   int64    `json:"generationTimestamp"`
	ReplacedBy       string   `json:"-"`
	ReplacedAt       int64    `json:"-"`
}

// SnapshotEntry is one line of a snapshot file.
type SnapshotEntry struct {
	EntityID        string     `json:"entityId"`
	EntityType      EntityType `json:"entityType"`
	Pointers        []string   `json:"pointers"`
	EntityTimestamp int64      `json:"entityTimestamp"`
	LocalTimestamp  int64      `json:"localTimestamp"`
	AuthChain       AuthChain  `json:"authChain"`
}

// DenylistTargetType names what a denylist entry refers to.
type DenylistTargetType string

const (
	TargetAddress DenylistTargetType = "address"
	TargetContent DenylistTargetType = "content"
	TargetPointer DenylistTargetType = "pointer"
	TargetEntity  DenylistTargetType = "entity"
)

func (t DenylistTargetType) Valid() bool {
	switch t {
	case TargetAddress, TargetContent, TargetPointer, TargetEntity:
		return true
	}
	return false
}

// DenylistTarget identifies one denylisted item.
type DenylistTarget struct {
	Type DenylistTargetType `json:"type"`
	ID   string             `json:"id"`
}

// Key is the canonical string form used for caching and lookups.
func (t DenylistTarget) Key() string { return string(t.Type) + ":" + strings.ToLower(t.ID) }

// DenylistEntry records who denylisted a target and when.
type DenylistEntry struct {
	Target    DenylistTarget `json:"target"`
	Timestamp int64          `json:"timestamp"`
	AuthChain AuthChain      `json:"authChain"`
}

// Peer is a remote catalyst node.
type Peer struct {
	Address string `json:"address"`
	Owner   string `json:"owner,omitempty"`
	ID      string `json:"id"`
}

// SyncCursor marks how far the history of a peer has been consumed.
type SyncCursor struct {
	PeerAddress    string
	LocalTimestamp int64
	LastID         string
	UpdatedAt      int64
}
