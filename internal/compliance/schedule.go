package compliance

import (
	"github.com/robfig/cron/v3"

	"github.com/kcenon/osxfleet/internal/logging"
)

// StartScheduledRecalculation warms the score cache on a cron schedule
// (e.g. "*/5 * * * *" for every five minutes), so FleetOverview/AgentReport
// reads rarely pay for a fresh recomputation. Returns the running
// scheduler; call Stop() on it to halt the job.
func (r *Reporter) StartScheduledRecalculation(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		scores := r.RecalculateAll()
		logging.Compliance().Debug().Int("agent_count", len(scores)).Msg("scheduled compliance recalculation")
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
