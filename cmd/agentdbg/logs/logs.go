// Package logscmder provides the logs command for reading the server log.
package logscmder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/dotdir"
)

const logsLongDesc string = `Print the agentdbg server log.

Reads the log file of the running server, or of the last server started from
this .agentdbg/ directory. Use --follow to keep streaming new lines.

Examples:
  agentdbg logs
  agentdbg logs --lines 200
  agentdbg logs -f`

const logsShortDesc string = "Print the agentdbg server log"

type logsCommander struct {
	configDir string
	follow    bool
	lines     int
}

func NewLogsCmd() *cobra.Command {
	cmder := &logsCommander{}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: logsShortDesc,
		Long:  logsLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return cmder.run(ctx, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&cmder.follow, "follow", "f", false, "Stream new log lines as they are written")
	cmd.Flags().IntVarP(&cmder.lines, "lines", "n", 50, "Number of trailing lines to print (0 for all)")

	return cmd
}

func (c *logsCommander) run(ctx context.Context, out io.Writer) error {
	path, err := ResolveLogPath(c.configDir)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no server log found at %s", path)
		}
		return fmt.Errorf("checking log file: %w", err)
	}

	if err := printTail(path, c.lines, out); err != nil {
		return err
	}
	if !c.follow {
		return nil
	}

	err = followLog(ctx, path, out)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ResolveLogPath returns the log file of the running server, then log.file
// from the config, then agentdbg.log in the .agentdbg directory.
func ResolveLogPath(configDir string) (string, error) {
	ddm := dotdir.NewManager()

	state, err := ddm.LoadServerState(configDir)
	if err != nil {
		return "", err
	}
	if state != nil && state.LogFile != "" {
		return state.LogFile, nil
	}

	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	cfg, err := cfger.LoadConfig()
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	if cfg.Log.File != "" {
		return cfg.Log.File, nil
	}

	return ddm.Path(configDir, dotdir.LogFile)
}

// printTail writes the last n lines of path, or all of it when n <= 0.
func printTail(path string, n int, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	var ring []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring = append(ring, scanner.Text())
		if n > 0 && len(ring) > n {
			ring = ring[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading log file: %w", err)
	}

	for _, line := range ring {
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}

// followLog streams bytes appended to path until ctx is done.
func followLog(ctx context.Context, path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating log watcher: %w", err)
	}
	defer watcher.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek log file: %w", err)
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching log dir: %w", err)
	}

	buf := make([]byte, 4096)
	readAvailable := func() error {
		for {
			n, err := file.Read(buf)
			if n > 0 {
				if _, writeErr := out.Write(buf[:n]); writeErr != nil {
					return writeErr
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := readAvailable(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("log watcher error: %w", err)
		}
	}
}
