package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/beatranks/session-service/internal/business"
	"github.com/beatranks/session-service/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Session Service API server",
		"Session Service API server hosts the public http API for login, session validation and user settings",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
