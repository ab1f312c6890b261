package store

import (
	"context"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// GroupStore manages course groups.
type GroupStore struct {
	Repo[model.Group, *model.Group]
}

// GroupSaveResult is the upsert result plus the members created by syncing
// the group with its recorded meets.
type GroupSaveResult struct {
	UpsertResult
	MembersCreated int `json:"membersCreated"`
}

// Save inserts the group or merges it into the one with the same name. A
// missing course is derived from the name. When the group has a call code,
// participants of every meet under that code are synced into members in the
// same transaction.
func (s *GroupStore) Save(ctx context.Context, g *model.Group) (GroupSaveResult, error) {
	if err := g.Validate(); err != nil {
		return GroupSaveResult{}, err
	}
	var res GroupSaveResult
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		res, err = saveGroup(tx, g, LoadSettings(tx))
		return err
	})
	return res, err
}

func saveGroup(tx *storage.Tx, g *model.Group, settings Settings) (GroupSaveResult, error) {
	g.Name = strings.TrimSpace(g.Name)
	g.MeetID = strings.TrimSpace(g.MeetID)
	if g.Course == 0 {
		g.Course = storage.CourseFromName(g.Name)
	}

	up, err := upsert(tx, Groups, "name", []any{g.Name}, g, mergeGroup)
	if err != nil {
		return GroupSaveResult{}, err
	}
	res := GroupSaveResult{UpsertResult: up}

	stored, err := Groups.Get(tx, up.ID)
	if err != nil {
		return res, err
	}
	if stored.MeetID == "" {
		return res, nil
	}
	meets, err := Meets.FindAll(tx, "meetId", stored.MeetID)
	if err != nil {
		return res, err
	}
	res.MembersCreated, err = syncGroupMembers(tx, stored, meets, settings)
	return res, err
}

func mergeGroup(existing, candidate *model.Group) (*model.Group, bool) {
	out := *existing
	if candidate.MeetID != "" {
		out.MeetID = candidate.MeetID
	}
	if candidate.Course > 0 {
		out.Course = candidate.Course
	}
	return &out, false
}

// GetByName returns the group with the given name.
func (s *GroupStore) GetByName(ctx context.Context, name string) (*model.Group, bool, error) {
	return s.findOne(ctx, "name", name)
}

// GetByMeetID returns the group owning a call code.
func (s *GroupStore) GetByMeetID(ctx context.Context, meetID string) (*model.Group, bool, error) {
	return s.findOne(ctx, "meetId", meetID)
}

func (s *GroupStore) findOne(ctx context.Context, index, value string) (*model.Group, bool, error) {
	var (
		g     *model.Group
		found bool
	)
	err := view(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		g, found, err = Groups.Find(tx, index, value)
		return err
	})
	return g, found, err
}
