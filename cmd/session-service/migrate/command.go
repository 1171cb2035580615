package migrate

import (
	"github.com/spf13/cobra"

	"github.com/beatranks/session-service/internal/business"
	"github.com/beatranks/session-service/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"migrate",
		"Session Service migrations",
		"Session Service migrations apply the database schema",
		buildInfo,
		cmdutils.RunAsJob,
		business.MigrateMain,
	)
}
