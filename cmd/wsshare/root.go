package main

import (
	"context"

	"github.com/spf13/cobra"
)

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:          "wsshare",
		Short:        "Shared websocket connection watcher",
		SilenceUsage: true,
	}
	root.AddCommand(watchCmd(ctx))
	return root.ExecuteContext(ctx)
}
