package store

import (
	"context"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// MeetStore manages attendance sessions.
type MeetStore struct {
	Repo[model.Meet, *model.Meet]
}

// MeetSaveResult reports a saved meet and the members its group sync created.
type MeetSaveResult struct {
	ID             int64 `json:"id"`
	MembersCreated int   `json:"membersCreated"`
}

// Save stores a new meet. When a group owns the meet's call code, every
// participant not yet known by name or alias becomes a member of that group,
// in the same transaction.
func (s *MeetStore) Save(ctx context.Context, m *model.Meet) (MeetSaveResult, error) {
	if err := m.Validate(); err != nil {
		return MeetSaveResult{}, err
	}
	var res MeetSaveResult
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		id, err := Meets.Insert(tx, m)
		if err != nil {
			return err
		}
		res.ID = id

		group, found, err := Groups.Find(tx, "meetId", m.MeetID)
		if err != nil || !found {
			return err
		}
		res.MembersCreated, err = syncGroupMembers(tx, group, []*model.Meet{m}, LoadSettings(tx))
		return err
	})
	return res, err
}

// syncGroupMembers creates a member for every participant of meets who is
// not yet known, assigning students to group. Known students without a group
// are assigned too. Ignored users are skipped.
func syncGroupMembers(tx *storage.Tx, group *model.Group, meets []*model.Meet, settings Settings) (int, error) {
	created := 0
	for _, meet := range meets {
		for _, p := range meet.Participants {
			name := strings.TrimSpace(p.Name)
			if name == "" || settings.IsIgnored(name) {
				continue
			}
			m, found, err := findMember(tx, name)
			if err != nil {
				return created, err
			}
			if found {
				if m.GroupName == "" && m.Role == model.RoleStudent {
					m.GroupName = group.Name
					if err := Members.Put(tx, m); err != nil {
						return created, err
					}
				}
				continue
			}

			m = &model.Member{Name: name, Email: p.Email, Role: roleFor(name, settings)}
			if m.Role == model.RoleStudent {
				m.GroupName = group.Name
			}
			if _, err := Members.Insert(tx, m); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

// ListByMeetID returns every session recorded under a call code.
func (s *MeetStore) ListByMeetID(ctx context.Context, meetID string) ([]*model.Meet, error) {
	return s.GetAllByIndex(ctx, "meetId", meetID)
}

// ApplyDurationLimitToAll caps every participant's duration at limit minutes
// and returns the number of meets changed. The count covers committed
// writes only: it is reported after the transaction commits. A limit of 0
// or less means unlimited and changes nothing.
func (s *MeetStore) ApplyDurationLimitToAll(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	fixed := 0
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		fixed = 0
		all, err := Meets.All(tx)
		if err != nil {
			return err
		}
		for _, m := range all {
			if !clampDurations(m, limit) {
				continue
			}
			if err := Meets.Put(tx, m); err != nil {
				return err
			}
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return fixed, nil
}

func clampDurations(m *model.Meet, limit int) bool {
	changed := false
	for i := range m.Participants {
		if m.Participants[i].Duration > limit {
			m.Participants[i].Duration = limit
			changed = true
		}
	}
	return changed
}
