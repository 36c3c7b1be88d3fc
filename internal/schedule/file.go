package schedule

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk schedule configuration: per-user monitored apps and
// quiet-hours windows.
//
//	users:
//	  - id: alice
//	    apps: [com.shop.app, com.deals.app]
//	    schedules:
//	      - id: night
//	        name: Night
//	        start: "22:00"
//	        end: "08:00"
//	        days: [1, 2, 3, 4, 5, 6, 7]
type File struct {
	Users []UserConfig `yaml:"users"`
}

// UserConfig is one user's section of a schedule file.
type UserConfig struct {
	ID        string         `yaml:"id"`
	Apps      []string       `yaml:"apps"`
	Schedules []FileSchedule `yaml:"schedules"`
}

// FileSchedule is the YAML form of a Schedule. Omitted days mean every day;
// omitted active means true.
type FileSchedule struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Start      TimeOfDay  `yaml:"start"`
	End        TimeOfDay  `yaml:"end"`
	Days       []int      `yaml:"days,omitempty"`
	Active     *bool      `yaml:"active,omitempty"`
	Categories []string   `yaml:"categories,omitempty"`
	CreatedAt  *time.Time `yaml:"createdAt,omitempty"`
}

// UnmarshalYAML decodes "HH:MM" scalars.
func (t *TimeOfDay) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

// MarshalYAML encodes as "HH:MM".
func (t TimeOfDay) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// fileEpoch anchors CreatedAt for file schedules without one, so that file
// order is the tie-break and reloading an unchanged file yields an
// identical set.
var fileEpoch = time.Unix(0, 0).UTC()

// ScheduleSet converts the user's file entries into validated schedules.
func (u UserConfig) ScheduleSet() ([]Schedule, error) {
	out := make([]Schedule, 0, len(u.Schedules))
	for i, fs := range u.Schedules {
		s := Schedule{
			ID:         fs.ID,
			Name:       fs.Name,
			Start:      fs.Start,
			End:        fs.End,
			Days:       fs.Days,
			Active:     fs.Active == nil || *fs.Active,
			Categories: fs.Categories,
			CreatedAt:  fileEpoch.Add(time.Duration(i) * time.Second),
		}
		if len(s.Days) == 0 {
			s.Days = append([]int(nil), AllDays...)
		}
		if fs.CreatedAt != nil {
			s.CreatedAt = fs.CreatedAt.UTC()
		}
		out = append(out, s.Normalize())
	}
	if err := ValidateSet(out); err != nil {
		return nil, fmt.Errorf("user %s: %w", u.ID, err)
	}
	return out, nil
}

// Parse decodes a schedule file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("schedule: parse file: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Users))
	for _, u := range f.Users {
		if u.ID == "" {
			return nil, errors.New("schedule: user id is required")
		}
		if _, dup := seen[u.ID]; dup {
			return nil, fmt.Errorf("schedule: duplicate user %s", u.ID)
		}
		seen[u.ID] = struct{}{}
		if _, err := u.ScheduleSet(); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// LoadFile reads and parses a schedule file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("schedule: read %s: %w", path, err)
	}
	return Parse(data)
}
