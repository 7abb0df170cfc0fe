package events

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// FieldType is a borsh primitive supported in event payloads.
type FieldType string

const (
	TypePubkey FieldType = "pubkey"
	TypeString FieldType = "string"
	TypeBool   FieldType = "bool"
	TypeU8     FieldType = "u8"
	TypeU16    FieldType = "u16"
	TypeU32    FieldType = "u32"
	TypeU64    FieldType = "u64"
	TypeI64    FieldType = "i64"
)

func (t FieldType) valid() bool {
	switch t {
	case TypePubkey, TypeString, TypeBool, TypeU8, TypeU16, TypeU32, TypeU64, TypeI64:
		return true
	}
	return false
}

// DiscriminatorLength is the size of the event tag prefix.
const DiscriminatorLength = 8

// Discriminator is the 8-byte tag prefixed to every event payload.
type Discriminator [DiscriminatorLength]byte

// EventDiscriminator returns sha256("event:" + name)[:8].
func EventDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("event:" + name))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorLength])
	return d
}

// FieldDef is one named, typed field of an event payload, in wire order.
type FieldDef struct {
	Name string    `yaml:"name"`
	Type FieldType `yaml:"type"`
}

// EventDef describes the payload layout of one event.
type EventDef struct {
	Name   string     `yaml:"name"`
	Fields []FieldDef `yaml:"fields"`
}

// Schema is the event catalogue of one program.
type Schema struct {
	Name   string
	events map[Discriminator]EventDef
	byName map[string]EventDef
}

// NewSchema validates defs and indexes them by discriminator.
func NewSchema(name string, defs []EventDef) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema name cannot be empty")
	}
	s := &Schema{
		Name:   name,
		events: make(map[Discriminator]EventDef, len(defs)),
		byName: make(map[string]EventDef, len(defs)),
	}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("schema %s: event name cannot be empty", name)
		}
		if _, dup := s.byName[def.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate event %s", name, def.Name)
		}
		fields := make(map[string]bool, len(def.Fields))
		for _, f := range def.Fields {
			if !f.Type.valid() {
				return nil, fmt.Errorf("schema %s: event %s field %s: unsupported type %q", name, def.Name, f.Name, f.Type)
			}
			if fields[f.Name] {
				return nil, fmt.Errorf("schema %s: event %s: duplicate field %s", name, def.Name, f.Name)
			}
			fields[f.Name] = true
		}
		s.events[EventDiscriminator(def.Name)] = def
		s.byName[def.Name] = def
	}
	return s, nil
}

// Lookup finds the event definition for a payload tag.
func (s *Schema) Lookup(d Discriminator) (EventDef, bool) {
	def, ok := s.events[d]
	return def, ok
}

// Event returns the definition of the named event.
func (s *Schema) Event(name string) (EventDef, bool) {
	def, ok := s.byName[name]
	return def, ok
}

// EventNames lists the schema's events in lexical order.
func (s *Schema) EventNames() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fd(name string, t FieldType) FieldDef { return FieldDef{Name: name, Type: t} }

var builtinDefs = map[string][]EventDef{
	"campaign": {
		{Name: "CampaignCreated", Fields: []FieldDef{
			fd("campaign_pubkey", TypePubkey), fd("campaign_id", TypeString), fd("creator", TypePubkey),
			fd("title", TypeString), fd("category", TypeString), fd("created_at", TypeI64),
		}},
		{Name: "CampaignUpdated", Fields: []FieldDef{
			fd("campaign_pubkey", TypePubkey), fd("campaign_id", TypeString), fd("updated_by", TypePubkey),
			fd("updated_at", TypeI64),
		}},
		{Name: "CampaignPublished", Fields: []FieldDef{
			fd("campaign_pubkey", TypePubkey), fd("campaign_id", TypeString), fd("creator", TypePubkey),
			fd("published_at", TypeI64),
		}},
		{Name: "CampaignStateChanged", Fields: []FieldDef{
			fd("campaign_pubkey", TypePubkey), fd("campaign_id", TypeString), fd("old_state", TypeU8),
			fd("new_state", TypeU8), fd("changed_at", TypeI64),
		}},
		{Name: "CampaignArchived", Fields: []FieldDef{
			fd("campaign_pubkey", TypePubkey), fd("campaign_id", TypeString), fd("archived_by", TypePubkey),
			fd("archived_at", TypeI64),
		}},
		{Name: "TaskAddedToCampaign", Fields: []FieldDef{
			fd("campaign_pubkey", TypePubkey), fd("campaign_id", TypeString), fd("task_pubkey", TypePubkey),
			fd("tasks_count", TypeU32), fd("added_at", TypeI64),
		}},
	},
	"task": {
		{Name: "TaskCreated", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("task_id", TypeString), fd("campaign_pubkey", TypePubkey),
			fd("creator", TypePubkey), fd("title", TypeString), fd("target_budget", TypeU64), fd("created_at", TypeI64),
		}},
		{Name: "TaskStateChanged", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("task_id", TypeString), fd("old_state", TypeU8),
			fd("new_state", TypeU8), fd("changed_at", TypeI64),
		}},
		{Name: "TaskUpdated", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("task_id", TypeString), fd("updated_by", TypePubkey),
			fd("updated_at", TypeI64),
		}},
		{Name: "RecipientAssigned", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("task_id", TypeString), fd("recipient", TypePubkey),
			fd("assigned_at", TypeI64),
		}},
		{Name: "BudgetVotingStarted", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("task_id", TypeString), fd("started_at", TypeI64),
		}},
	},
	"budget": {
		{Name: "BudgetVoteCast", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("voter", TypePubkey), fd("proposed_budget", TypeU64),
			fd("vote_weight", TypeU64), fd("voted_at", TypeI64),
		}},
		{Name: "BudgetFinalized", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("finalized_budget", TypeU64), fd("total_votes", TypeU32),
			fd("total_weight", TypeU64), fd("finalized_at", TypeI64),
		}},
	},
	"escrow": {
		{Name: "ContributionMade", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("contributor", TypePubkey), fd("amount", TypeU64),
			fd("total_contributed", TypeU64), fd("contributed_at", TypeI64),
		}},
		{Name: "TaskFunded", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("total_contributed", TypeU64), fd("funded_at", TypeI64),
		}},
		{Name: "PayoutExecuted", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("recipient", TypePubkey), fd("amount", TypeU64),
			fd("total_paid_out", TypeU64), fd("paid_at", TypeI64),
		}},
		{Name: "RefundExecuted", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("contributor", TypePubkey), fd("amount", TypeU64),
			fd("total_refunded", TypeU64), fd("refunded_at", TypeI64),
		}},
		{Name: "EscrowInitialized", Fields: []FieldDef{
			fd("escrow_pubkey", TypePubkey), fd("task_pubkey", TypePubkey),
		}},
		{Name: "EscrowFrozen", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("frozen_at", TypeI64),
		}},
		{Name: "EscrowUnfrozen", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("unfrozen_at", TypeI64),
		}},
	},
	"proof": {
		{Name: "ProofSubmitted", Fields: []FieldDef{
			fd("proof_pubkey", TypePubkey), fd("task_pubkey", TypePubkey), fd("recipient", TypePubkey),
			fd("proof_hash", TypeString), fd("proof_uri", TypeString), fd("submitted_at", TypeI64),
		}},
		{Name: "ProofUpdated", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("proof_hash", TypeString), fd("proof_uri", TypeString),
			fd("updated_at", TypeI64),
		}},
	},
	"approval": {
		{Name: "ApprovalVoteCast", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("voter", TypePubkey), fd("approved", TypeBool),
			fd("vote_weight", TypeU64), fd("voted_at", TypeI64),
		}},
		{Name: "TaskApproved", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("approval_percent", TypeU8), fd("approved_at", TypeI64),
		}},
		{Name: "TaskRejected", Fields: []FieldDef{
			fd("task_pubkey", TypePubkey), fd("rejection_percent", TypeU8), fd("rejected_at", TypeI64),
		}},
	},
	"dispute": {
		{Name: "DisputeInitiated", Fields: []FieldDef{
			fd("dispute_pubkey", TypePubkey), fd("task_pubkey", TypePubkey), fd("initiator", TypePubkey),
			fd("reason", TypeString), fd("initiated_at", TypeI64),
		}},
		{Name: "DisputeResolved", Fields: []FieldDef{
			fd("dispute_pubkey", TypePubkey), fd("task_pubkey", TypePubkey), fd("resolution", TypeU8),
			fd("payout_percent", TypeU8), fd("resolved_at", TypeI64),
		}},
	},
	"governance": {
		{Name: "TokensDistributed", Fields: []FieldDef{
			fd("distribution_pubkey", TypePubkey), fd("recipient", TypePubkey), fd("amount", TypeU64),
			fd("recipient_type", TypeU8), fd("distributed_at", TypeI64),
		}},
	},
}

// BuiltinSchemaNames lists the schemas compiled into the binary.
func BuiltinSchemaNames() []string {
	names := make([]string, 0, len(builtinDefs))
	for name := range builtinDefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinSchema returns the named compiled-in schema.
func BuiltinSchema(name string) (*Schema, error) {
	defs, ok := builtinDefs[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return NewSchema(name, defs)
}

type schemaFile struct {
	Schemas []struct {
		Name   string     `yaml:"name"`
		Events []EventDef `yaml:"events"`
	} `yaml:"schemas"`
}

// LoadSchemaFile reads additional schemas from a YAML file of the form
//
//	schemas:
//	  - name: escrow-v2
//	    events:
//	      - name: ContributionMade
//	        fields:
//	          - {name: task_pubkey, type: pubkey}
//
// Field names must match the names used by the built-in schemas for the
// event to bind to its typed variant.
func LoadSchemaFile(path string) (map[string]*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	out := make(map[string]*Schema, len(file.Schemas))
	for _, entry := range file.Schemas {
		if _, dup := out[entry.Name]; dup {
			return nil, fmt.Errorf("schema %s defined twice", entry.Name)
		}
		schema, err := NewSchema(entry.Name, entry.Events)
		if err != nil {
			return nil, err
		}
		out[entry.Name] = schema
	}
	return out, nil
}

// ResolveSchema looks a schema up in custom first, then among the built-ins.
func ResolveSchema(name string, custom map[string]*Schema) (*Schema, error) {
	if s, ok := custom[name]; ok {
		return s, nil
	}
	return BuiltinSchema(name)
}
