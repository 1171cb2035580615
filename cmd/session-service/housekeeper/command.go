package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/beatranks/session-service/internal/business"
	"github.com/beatranks/session-service/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"Session Service Housekeeping job",
		"Session Service Housekeeping job purges sessions whose refresh window has closed",
		buildInfo,
		cmdutils.RunAsService,
		business.HousekeeperMain,
	)
}
