package history

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// LoadMeta reads meta.json, returning a fresh record if absent.
func (s *Store) LoadMeta() (*Meta, error) {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Meta{V: RecordVersion, ContextID: s.contextID, PinnedSkillIDs: []string{}}, nil
		}
		return nil, fmt.Errorf("history: read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("history: parse meta: %w", err)
	}
	if m.ContextID == "" {
		m.ContextID = s.contextID
	}
	if m.PinnedSkillIDs == nil {
		m.PinnedSkillIDs = []string{}
	}
	return &m, nil
}

// MetaPatch carries the fields UpdateMeta may change. Nil pointers leave
// the current value untouched.
type MetaPatch struct {
	PinnedSkillIDs       *[]string
	LastArchiveID        *string
	KeepLastMessages     *int
	MaxInputTokensApprox *int
}

// UpdateMeta applies a patch and persists the record atomically.
func (s *Store) UpdateMeta(patch MetaPatch) (*Meta, error) {
	m, err := s.LoadMeta()
	if err != nil {
		return nil, err
	}
	if patch.PinnedSkillIDs != nil {
		m.PinnedSkillIDs = dedupePinned(*patch.PinnedSkillIDs)
	}
	if patch.LastArchiveID != nil {
		m.LastArchiveID = *patch.LastArchiveID
	}
	if patch.KeepLastMessages != nil {
		m.KeepLastMessages = *patch.KeepLastMessages
	}
	if patch.MaxInputTokensApprox != nil {
		m.MaxInputTokensApprox = *patch.MaxInputTokensApprox
	}
	if err := s.writeMeta(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddPinnedSkillID appends a skill id, keeping the list deduplicated,
// order-preserving, and bounded.
func (s *Store) AddPinnedSkillID(id string) (*Meta, error) {
	m, err := s.LoadMeta()
	if err != nil {
		return nil, err
	}
	ids := dedupePinned(append(m.PinnedSkillIDs, id))
	return s.UpdateMeta(MetaPatch{PinnedSkillIDs: &ids})
}

// RemovePinnedSkillID drops a skill id if present.
func (s *Store) RemovePinnedSkillID(id string) (*Meta, error) {
	m, err := s.LoadMeta()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.PinnedSkillIDs))
	for _, v := range m.PinnedSkillIDs {
		if v != id {
			ids = append(ids, v)
		}
	}
	return s.UpdateMeta(MetaPatch{PinnedSkillIDs: &ids})
}

// SetPinnedSkillIDs replaces the pinned list wholesale.
func (s *Store) SetPinnedSkillIDs(ids []string) (*Meta, error) {
	return s.UpdateMeta(MetaPatch{PinnedSkillIDs: &ids})
}

func (s *Store) writeMeta(m *Meta) error {
	m.V = RecordVersion
	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal meta: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("history: temp meta: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.metaPath()); err != nil {
		return fmt.Errorf("history: replace meta: %w", err)
	}
	cleanup = false
	return nil
}

func dedupePinned(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) >= MaxPinnedSkills {
			break
		}
	}
	return out
}
