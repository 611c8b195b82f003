package desktop

import (
	"context"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/host"

	"github.com/avaropoint/remotecast/internal/dto"
)

// MachineName returns configured when set, otherwise the host name
// reported by the OS.
func MachineName(ctx context.Context, configured string) string {
	if configured != "" {
		return configured
	}
	if info, err := host.InfoWithContext(ctx); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}

// HostSessions lists the interactive sessions logged in on this host.
func HostSessions(ctx context.Context) ([]dto.HostSession, error) {
	users, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return toHostSessions(users), nil
}

func toHostSessions(users []host.UserStat) []dto.HostSession {
	out := make([]dto.HostSession, 0, len(users))
	for i, u := range users {
		id := u.Terminal
		if id == "" {
			id = strconv.Itoa(i)
		}
		out = append(out, dto.HostSession{
			ID:       id,
			Username: u.User,
			Terminal: u.Terminal,
			Started:  int64(u.Started),
		})
	}
	return out
}
