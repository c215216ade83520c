package winner

import (
	"context"
	"fmt"

	"biliwatch/internal/core/task"
	"biliwatch/internal/logger"
	"biliwatch/internal/platform/bili"
)

// Snapshot is one observation of a promotion's winner feed. A nil Winner
// with Ended false means the feed is currently empty and any cached
// record should be cleared.
type Snapshot struct {
	Winner *task.Winner
	Ended  bool
}

type Service struct {
	api *bili.Client
	log *logger.Logger
}

func New(api *bili.Client) *Service {
	return &Service{api: api, log: logger.New("WinnerService")}
}

// Poll fetches the current winner-list snapshot for one promotion. An
// error is a transient poll failure: the caller must keep monitoring,
// since a network blip must not prematurely end a task.
func (s *Service) Poll(ctx context.Context, sid string) (Snapshot, error) {
	env, items, err := s.api.WinList(ctx, sid)
	if err != nil {
		return Snapshot{}, err
	}
	switch {
	case env.Code == bili.CodeSuccess && len(items) > 0:
		latest := items[0]
		return Snapshot{Winner: &task.Winner{
			Name:  latest.Name,
			Award: latest.AwardInfo.Name,
			Icon:  latest.AwardInfo.Icon,
			CTime: latest.CTime,
		}}, nil
	case env.Code == bili.CodeSuccess:
		return Snapshot{}, nil
	case env.Code == bili.CodeEnded:
		return Snapshot{Ended: true}, nil
	default:
		return Snapshot{}, fmt.Errorf("win list sid=%s: code %d: %s", sid, env.Code, env.Message)
	}
}
