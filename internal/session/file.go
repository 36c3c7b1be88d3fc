package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/quietguard/internal/schedule"
)

// ApplyFile pushes a schedule file's apps and schedules into the named
// users' coordinators. A bad section is skipped and reported; the other
// users are still applied. Users absent from the file are left alone.
func (m *Manager) ApplyFile(ctx context.Context, f *schedule.File) error {
	var errs []error
	for _, u := range f.Users {
		if err := m.applyUser(ctx, u); err != nil {
			m.cfg.Logger.Warn("schedule file entry rejected", "user", u.ID, "error", err)
			errs = append(errs, fmt.Errorf("user %s: %w", u.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) applyUser(ctx context.Context, u schedule.UserConfig) error {
	schedules, err := u.ScheduleSet()
	if err != nil {
		return err
	}
	c, err := m.Get(ctx, u.ID)
	if err != nil {
		return err
	}
	if u.Apps != nil {
		if err := c.ConfigureMonitoredApps(ctx, u.Apps); err != nil {
			return err
		}
	}
	return c.ConfigureSchedules(ctx, schedules)
}
