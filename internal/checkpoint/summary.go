package checkpoint

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/me/taskgraph/pkg/model"
)

const summaryTaskWidth = 50

// Summary renders checkpoint metadata, newest first, for terminal output.
func Summary(metas []model.CheckpointMetadata) string {
	if len(metas) == 0 {
		return "No checkpoints available.\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Available checkpoints (%d):\n", len(metas))
	for _, m := range metas {
		task := m.Task
		if len(task) > summaryTaskWidth {
			task = task[:summaryTaskWidth] + "..."
		}
		fmt.Fprintf(&b, "\n%s\n", m.ID)
		fmt.Fprintf(&b, "  created:    %s (%s)\n", m.Timestamp.Local().Format("2006-01-02 15:04:05"), humanize.Time(m.Timestamp))
		fmt.Fprintf(&b, "  worker:     %s\n", m.Worker)
		fmt.Fprintf(&b, "  task:       %s\n", task)
		fmt.Fprintf(&b, "  iteration:  %d\n", m.Iteration)
		fmt.Fprintf(&b, "  files:      %d\n", m.FilesCreated)
		fmt.Fprintf(&b, "  usage:      %s\n", humanize.Comma(m.Usage))
	}
	return b.String()
}
