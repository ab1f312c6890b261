package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// Workspace setting keys.
const (
	SettingDurationLimit  = "durationLimit"
	SettingDefaultTeacher = "defaultTeacher"
	SettingIgnoredUsers   = "ignoredUsers"
	SettingTeachers       = "teachers"
	SettingExamSettings   = "examSettings"
)

// Settings is the full set of workspace settings.
type Settings struct {
	DurationLimit  int             `json:"durationLimit"` // minutes, 0 = unlimited
	DefaultTeacher *string         `json:"defaultTeacher"`
	IgnoredUsers   []string        `json:"ignoredUsers"`
	Teachers       []string        `json:"teachers"`
	ExamSettings   json.RawMessage `json:"examSettings,omitempty"`
}

// IsIgnored reports whether name is on the ignored-users list.
func (s Settings) IsIgnored(name string) bool {
	return containsFold(s.IgnoredUsers, name)
}

// IsTeacher reports whether name is on the teacher roster.
func (s Settings) IsTeacher(name string) bool {
	return containsFold(s.Teachers, name)
}

func containsFold(list []string, name string) bool {
	name = strings.TrimSpace(name)
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), name) {
			return true
		}
	}
	return false
}

// readSetting decodes one setting. A missing or undecodable value yields
// def; undecodable values are logged.
func readSetting[V any](tx *storage.Tx, key string, def V) V {
	st, err := tx.Store(storage.StoreSettings)
	if err != nil {
		slog.Warn("settings store unavailable", "key", key, "error", err)
		return def
	}
	raw, ok := st.Get(storage.StringKey(key))
	if !ok {
		return def
	}
	var rec model.Setting
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.Warn("corrupt setting, using default", "key", key, "error", err)
		return def
	}
	if len(rec.Value) == 0 || string(rec.Value) == "null" {
		return def
	}
	var v V
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		slog.Warn("corrupt setting, using default", "key", key, "error", err)
		return def
	}
	return v
}

// WriteSetting stores value under key inside tx.
func WriteSetting(tx *storage.Tx, key string, value any) error {
	st, err := tx.Store(storage.StoreSettings)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	data, err := json.Marshal(model.Setting{Key: key, Value: raw})
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	return st.Put(storage.StringKey(key), data)
}

// LoadSettings reads every workspace setting inside tx. Missing or corrupt
// values come back as their defaults.
func LoadSettings(tx *storage.Tx) Settings {
	s := Settings{
		DurationLimit:  readSetting(tx, SettingDurationLimit, 0),
		DefaultTeacher: readSetting[*string](tx, SettingDefaultTeacher, nil),
		IgnoredUsers:   readSetting(tx, SettingIgnoredUsers, []string{}),
		Teachers:       readSetting(tx, SettingTeachers, []string{}),
		ExamSettings:   readSetting[json.RawMessage](tx, SettingExamSettings, nil),
	}
	if s.DurationLimit < 0 {
		s.DurationLimit = 0
	}
	return s
}

// SaveSettings writes every workspace setting inside tx and re-synchronises
// member roles with the teacher roster.
func SaveSettings(tx *storage.Tx, s Settings) error {
	if s.IgnoredUsers == nil {
		s.IgnoredUsers = []string{}
	}
	if s.Teachers == nil {
		s.Teachers = []string{}
	}
	writes := []struct {
		key   string
		value any
	}{
		{SettingDurationLimit, s.DurationLimit},
		{SettingDefaultTeacher, s.DefaultTeacher},
		{SettingIgnoredUsers, s.IgnoredUsers},
		{SettingTeachers, s.Teachers},
	}
	if len(s.ExamSettings) > 0 {
		writes = append(writes, struct {
			key   string
			value any
		}{SettingExamSettings, s.ExamSettings})
	}
	for _, w := range writes {
		if err := WriteSetting(tx, w.key, w.value); err != nil {
			return err
		}
	}
	_, err := SyncRoles(tx, s.Teachers)
	return err
}

// ErrInvalidSetting is returned for an out-of-range setting value.
var ErrInvalidSetting = errors.New("invalid setting value")

// SettingsStore reads and writes workspace settings.
type SettingsStore struct {
	db Connector
}

// All returns every setting.
func (s *SettingsStore) All(ctx context.Context) (Settings, error) {
	var out Settings
	err := view(ctx, s.db, func(tx *storage.Tx) error {
		out = LoadSettings(tx)
		return nil
	})
	return out, err
}

// Save replaces every setting.
func (s *SettingsStore) Save(ctx context.Context, settings Settings) error {
	if settings.DurationLimit < 0 {
		return fmt.Errorf("%s: %w", SettingDurationLimit, ErrInvalidSetting)
	}
	return update(ctx, s.db, func(tx *storage.Tx) error {
		return SaveSettings(tx, settings)
	})
}

func (s *SettingsStore) DurationLimit(ctx context.Context) (int, error) {
	all, err := s.All(ctx)
	return all.DurationLimit, err
}

func (s *SettingsStore) DefaultTeacher(ctx context.Context) (*string, error) {
	all, err := s.All(ctx)
	return all.DefaultTeacher, err
}

func (s *SettingsStore) IgnoredUsers(ctx context.Context) ([]string, error) {
	all, err := s.All(ctx)
	return all.IgnoredUsers, err
}

func (s *SettingsStore) Teachers(ctx context.Context) ([]string, error) {
	all, err := s.All(ctx)
	return all.Teachers, err
}

func (s *SettingsStore) ExamSettings(ctx context.Context) (json.RawMessage, error) {
	all, err := s.All(ctx)
	return all.ExamSettings, err
}

// SetDurationLimit stores the attendance duration cap in minutes.
func (s *SettingsStore) SetDurationLimit(ctx context.Context, minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("%s: %w", SettingDurationLimit, ErrInvalidSetting)
	}
	return s.set(ctx, SettingDurationLimit, minutes)
}

// SetDefaultTeacher stores the default teacher; nil clears it.
func (s *SettingsStore) SetDefaultTeacher(ctx context.Context, name *string) error {
	return s.set(ctx, SettingDefaultTeacher, name)
}

func (s *SettingsStore) SetIgnoredUsers(ctx context.Context, names []string) error {
	if names == nil {
		names = []string{}
	}
	return s.set(ctx, SettingIgnoredUsers, names)
}

func (s *SettingsStore) SetExamSettings(ctx context.Context, raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%s: %w", SettingExamSettings, ErrInvalidSetting)
	}
	return s.set(ctx, SettingExamSettings, raw)
}

// SetTeachers stores the teacher roster and updates every member's role to
// match it in the same transaction. It returns the number of members whose
// role changed.
func (s *SettingsStore) SetTeachers(ctx context.Context, names []string) (int, error) {
	if names == nil {
		names = []string{}
	}
	var changed int
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		if err := WriteSetting(tx, SettingTeachers, names); err != nil {
			return err
		}
		var err error
		changed, err = SyncRoles(tx, names)
		return err
	})
	return changed, err
}

func (s *SettingsStore) set(ctx context.Context, key string, value any) error {
	return update(ctx, s.db, func(tx *storage.Tx) error {
		return WriteSetting(tx, key, value)
	})
}
