// Package manifest defines the encrypted document of record for a sync
// domain: every known conversation and machine, plus the per-machine state
// used as the base of three-way merges.
package manifest

import "time"

// ManifestVersion is the current manifest document format.
const ManifestVersion = 1

// FormatVersion distinguishes how a conversation is stored remotely.
type FormatVersion int

const (
	// FormatLegacyArchive is the old whole-conversation encrypted zip,
	// readable for pull only.
	FormatLegacyArchive FormatVersion = 1

	// FormatPerFile stores one encrypted object per file and carries a
	// per-file hash map.
	FormatPerFile FormatVersion = 2
)

// FileHashInfo describes one file of a conversation, keyed in maps by its
// path relative to the sync root convention ("brain/<id>/..." or
// "records/<id>.jsonl").
type FileHashInfo struct {
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"` // ISO 8601
}

// SyncedConversation is one manifest entry. ID is the conversation's
// directory name: stable and content-independent.
type SyncedConversation struct {
	ID            string                  `json:"id"`
	Title         string                  `json:"title"`
	LastModified  time.Time               `json:"lastModified"`
	OverallHash   string                  `json:"overallHash"`
	ModifiedBy    string                  `json:"modifiedBy"`
	FileHashes    map[string]FileHashInfo `json:"fileHashes,omitempty"`
	Size          int64                   `json:"size"`
	CreatedAt     time.Time               `json:"createdAt"`
	CreatedBy     string                  `json:"createdBy"`
	FormatVersion FormatVersion           `json:"formatVersion"`
}

// Machine is the lightweight roster entry kept in the manifest. The richer
// per-machine record lives in MachineState.
type Machine struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	LastSync      time.Time `json:"lastSync"`
	CreatedAt     time.Time `json:"createdAt"`
	UploadCount   int64     `json:"uploadCount"`
	DownloadCount int64     `json:"downloadCount"`
}

// Manifest is the single encrypted JSON document of record per sync domain.
type Manifest struct {
	Version                  int                  `json:"version"`
	CreatedAt                time.Time            `json:"createdAt"`
	LastModified             time.Time            `json:"lastModified"`
	PasswordSalt             string               `json:"passwordSalt"`
	PasswordVerificationHash string               `json:"passwordVerificationHash"`
	Conversations            []SyncedConversation `json:"conversations"`
	Machines                 []Machine            `json:"machines"`
}

// Conversation returns the entry with the given id, or nil.
func (m *Manifest) Conversation(id string) *SyncedConversation {
	for i := range m.Conversations {
		if m.Conversations[i].ID == id {
			return &m.Conversations[i]
		}
	}
	return nil
}

// UpsertConversation replaces or appends an entry by id.
func (m *Manifest) UpsertConversation(c SyncedConversation) {
	for i := range m.Conversations {
		if m.Conversations[i].ID == c.ID {
			m.Conversations[i] = c
			return
		}
	}
	m.Conversations = append(m.Conversations, c)
}

// RemoveConversation deletes an entry by id; it reports whether the entry
// existed.
func (m *Manifest) RemoveConversation(id string) bool {
	for i := range m.Conversations {
		if m.Conversations[i].ID == id {
			m.Conversations = append(m.Conversations[:i], m.Conversations[i+1:]...)
			return true
		}
	}
	return false
}

// MachineByID returns the roster entry with the given id, or nil.
func (m *Manifest) MachineByID(id string) *Machine {
	for i := range m.Machines {
		if m.Machines[i].ID == id {
			return &m.Machines[i]
		}
	}
	return nil
}

// UpsertMachine replaces or appends a roster entry by id.
func (m *Manifest) UpsertMachine(mc Machine) {
	for i := range m.Machines {
		if m.Machines[i].ID == mc.ID {
			m.Machines[i] = mc
			return
		}
	}
	m.Machines = append(m.Machines, mc)
}

// ConversationState is a machine's last-synced snapshot of one conversation:
// the base side of the three-way merge.
type ConversationState struct {
	OverallHash string                  `json:"overallHash"`
	FileHashes  map[string]FileHashInfo `json:"fileHashes,omitempty"`
}

// MachineState is the richer per-machine record stored at
// machines/<machineId>.json.enc.
type MachineState struct {
	MachineID     string                       `json:"machineId"`
	Name          string                       `json:"name"`
	LastSync      time.Time                    `json:"lastSync"`
	CreatedAt     time.Time                    `json:"createdAt"`
	UploadCount   int64                        `json:"uploadCount"`
	DownloadCount int64                        `json:"downloadCount"`
	Conversations map[string]ConversationState `json:"conversations"`
}

// Base returns the last-synced state of a conversation, or nil when this
// machine has never synced it.
func (s *MachineState) Base(id string) *ConversationState {
	if s.Conversations == nil {
		return nil
	}
	st, ok := s.Conversations[id]
	if !ok {
		return nil
	}
	return &st
}

// SetBase records the last-synced state of a conversation.
func (s *MachineState) SetBase(id string, st ConversationState) {
	if s.Conversations == nil {
		s.Conversations = make(map[string]ConversationState)
	}
	s.Conversations[id] = st
}
