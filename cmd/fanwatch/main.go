// Command fanwatch watches a directory with fanotify and logs the
// decoded events. In permission mode it marks the directory for open
// permission events and allows every open, logging each decision.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/procsec/fanotify"
)

var eventsByName = map[string]fanotify.EventType{
	"access": fanotify.FileAccessed,
	"modify": fanotify.FileModified,
	"open":   fanotify.FileOpened,
	"close":  fanotify.FileClosed,
	"create": fanotify.FileCreated,
	"delete": fanotify.FileDeleted,
	"move":   fanotify.FileMovedFrom | fanotify.FileMovedTo,
}

func main() {
	var (
		mountpoint string
		watchPath  string
		eventNames []string
		permission bool
	)
	cmd := &cobra.Command{
		Use:          "fanwatch",
		Short:        "watch a directory for filesystem events",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), mountpoint, watchPath, eventNames, permission)
		},
	}
	cmd.Flags().StringVar(&mountpoint, "mount", "/", "mount point the watched path resides on")
	cmd.Flags().StringVar(&watchPath, "path", ".", "directory to watch")
	cmd.Flags().StringSliceVar(&eventNames, "events", []string{"modify", "create", "delete"}, "event types to watch")
	cmd.Flags().BoolVar(&permission, "permission", false, "watch open permission events and allow them")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, mountpoint, watchPath string, eventNames []string, permission bool) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	class := fanotify.ClassNotify
	if permission {
		class = fanotify.ClassContent
	}
	initFlags, err := class.Init(fanotify.CloseOnExec)
	if err != nil {
		return err
	}
	eventFlags := fanotify.OpenReadOnly | fanotify.OpenLargeFile | fanotify.OpenCloseOnExec

	listener, err := fanotify.NewListener(mountpoint, initFlags, eventFlags, fanotify.WithLogger(logger))
	if err != nil {
		return err
	}

	mask, err := maskFor(eventNames, permission)
	if err != nil {
		return err
	}
	err = listener.Mark(fanotify.MarkRequest{
		Action: fanotify.MarkAdd,
		Flags:  fanotify.OnlyDir,
		Mask:   mask | fanotify.OnChild,
		Path:   watchPath,
	})
	if err != nil {
		return err
	}
	logger.Info("watching", zap.String("path", watchPath), zap.Bool("permission", permission))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(listener.Start)
	g.Go(func() error {
		for event := range listener.Events {
			logger.Info("event",
				zap.Uint64("mask", uint64(event.Mask)),
				zap.Int32("pid", event.Pid),
				zap.Int("fd", event.Fd))
			if event.Mask.Permission() {
				response, err := event.Allow()
				if err != nil {
					return err
				}
				if err := listener.WriteResponse(response); err != nil {
					return err
				}
				logger.Info("allowed", zap.Uint64("correlation", response.Correlation()))
			}
			event.Close()
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		listener.Stop()
		return nil
	})
	return g.Wait()
}

func maskFor(names []string, permission bool) (fanotify.EventType, error) {
	if permission {
		return fanotify.FileOpenPermission, nil
	}
	var mask fanotify.EventType
	for _, name := range names {
		et, found := eventsByName[strings.ToLower(name)]
		if !found {
			return 0, fmt.Errorf("unknown event type %q", name)
		}
		mask = mask.Or(et)
	}
	return mask, nil
}
