package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// ErrAliasConflict is returned when an alias already names another member.
var ErrAliasConflict = errors.New("alias belongs to another member")

// MemberStore manages students and teachers.
type MemberStore struct {
	Repo[model.Member, *model.Member]
}

// Save inserts the member or merges it into the one with the same name.
// Non-empty candidate fields win, aliases are united and a hidden member
// stays hidden; use SetHidden to unhide. New members without a role are
// teachers when listed in the teacher roster, students otherwise.
func (s *MemberStore) Save(ctx context.Context, m *model.Member) (UpsertResult, error) {
	if err := m.Validate(); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		res, err = saveMember(tx, m, LoadSettings(tx))
		return err
	})
	return res, err
}

func saveMember(tx *storage.Tx, m *model.Member, settings Settings) (UpsertResult, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Role == "" {
		if _, found, err := Members.Find(tx, "name", m.Name); err != nil {
			return UpsertResult{}, err
		} else if !found {
			m.Role = roleFor(m.Name, settings)
		}
	}
	return upsert(tx, Members, "name", []any{m.Name}, m, mergeMember)
}

func roleFor(name string, settings Settings) string {
	if settings.IsTeacher(name) {
		return model.RoleTeacher
	}
	if settings.DefaultTeacher != nil && strings.EqualFold(strings.TrimSpace(*settings.DefaultTeacher), name) {
		return model.RoleTeacher
	}
	return model.RoleStudent
}

func mergeMember(existing, candidate *model.Member) (*model.Member, bool) {
	out := *existing
	if candidate.Email != "" {
		out.Email = candidate.Email
	}
	if candidate.GroupName != "" {
		out.GroupName = candidate.GroupName
	}
	if candidate.Role != "" {
		out.Role = candidate.Role
	}
	out.Aliases = unionAliases(out.Name, existing.Aliases, candidate.Aliases)
	out.Hidden = existing.Hidden || candidate.Hidden
	return &out, false
}

// unionAliases merges alias lists in order, dropping blanks, duplicates and
// the member's own name.
func unionAliases(name string, lists ...[]string) []string {
	out := []string{}
	for _, list := range lists {
		for _, a := range list {
			a = strings.TrimSpace(a)
			if a == "" || a == name || slices.Contains(out, a) {
				continue
			}
			out = append(out, a)
		}
	}
	return out
}

// findMember resolves a name against member names first, then aliases.
func findMember(tx *storage.Tx, name string) (*model.Member, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, nil
	}
	m, found, err := Members.Find(tx, "name", name)
	if err != nil || found {
		return m, found, err
	}
	all, err := Members.All(tx)
	if err != nil {
		return nil, false, err
	}
	for _, m := range all {
		if m.Matches(name) {
			return m, true, nil
		}
	}
	return nil, false, nil
}

// FindByNameOrAlias returns the member known by name, directly or through
// an alias.
func (s *MemberStore) FindByNameOrAlias(ctx context.Context, name string) (*model.Member, bool, error) {
	var (
		m     *model.Member
		found bool
	)
	err := view(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		m, found, err = findMember(tx, name)
		return err
	})
	return m, found, err
}

// AddAlias records a former name of a member.
func (s *MemberStore) AddAlias(ctx context.Context, id int64, alias string) (*model.Member, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return nil, model.ValidationErrors{{Field: "alias", Message: "required field is empty"}}
	}
	var out *model.Member
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		m, err := Members.Get(tx, id)
		if err != nil {
			return err
		}
		if other, found, err := findMember(tx, alias); err != nil {
			return err
		} else if found && other.ID != id {
			return fmt.Errorf("%q: %w", alias, ErrAliasConflict)
		}
		if m.Matches(alias) {
			out = m
			return nil
		}
		m.Aliases = append(m.Aliases, alias)
		out = m
		return Members.Put(tx, m)
	})
	return out, err
}

// SetHidden soft-deletes or restores a member.
func (s *MemberStore) SetHidden(ctx context.Context, id int64, hidden bool) (*model.Member, error) {
	var out *model.Member
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		m, err := Members.Get(tx, id)
		if err != nil {
			return err
		}
		out = m
		if m.Hidden == hidden {
			return nil
		}
		m.Hidden = hidden
		return Members.Put(tx, m)
	})
	return out, err
}

// ListVisible returns members that are not hidden.
func (s *MemberStore) ListVisible(ctx context.Context) ([]*model.Member, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m *model.Member) bool { return m.Hidden }), nil
}

// ListByGroup returns the visible members of a group.
func (s *MemberStore) ListByGroup(ctx context.Context, groupName string) ([]*model.Member, error) {
	all, err := s.GetAllByIndex(ctx, "groupName", groupName)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(all, func(m *model.Member) bool { return m.Hidden }), nil
}

// Rename changes a member's name and keeps the old one as an alias so older
// attendance still resolves. The new name must not belong to another member.
func (s *MemberStore) Rename(ctx context.Context, id int64, newName string) (*model.Member, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, model.ValidationErrors{{Field: "name", Message: "required field is empty"}}
	}
	var out *model.Member
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		m, err := Members.Get(tx, id)
		if err != nil {
			return err
		}
		out = m
		if m.Name == newName {
			return nil
		}
		old := m.Name
		m.Name = newName
		m.Aliases = unionAliases(newName, m.Aliases, []string{old})
		return Members.Put(tx, m)
	})
	return out, err
}

// SyncRoles sets every member's role from the teacher roster inside tx and
// returns the number of members changed.
func SyncRoles(tx *storage.Tx, teachers []string) (int, error) {
	all, err := Members.All(tx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, m := range all {
		want := model.RoleStudent
		if containsFold(teachers, m.Name) {
			want = model.RoleTeacher
		} else {
			for _, a := range m.Aliases {
				if containsFold(teachers, a) {
					want = model.RoleTeacher
					break
				}
			}
		}
		if m.Role == want {
			continue
		}
		m.Role = want
		if err := Members.Put(tx, m); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
