package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/peterje/ptyd/internal/config"
	"github.com/peterje/ptyd/internal/launch"
	"github.com/peterje/ptyd/internal/logging"
	"github.com/peterje/ptyd/internal/shepherd"
)

// detachKey is Ctrl+], as in telnet.
const detachKey = 0x1d

var (
	createDir    string
	createResume bool
	createTarget string
	writeNoEnter bool
	noSpawn      bool
)

var createCmd = &cobra.Command{
	Use:   "create <session-id> [-- agent-args...]",
	Short: "Create a session (no-op if it already exists)",
	Long: `Create a PTY session running a login shell in --dir.

With --resume the agent CLI is relaunched on a prior conversation, inside a
tmux session when tmux is installed. The conversation defaults to the
session id; --target picks another. Arguments after -- go to the agent.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := createDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = wd
		}
		intent := launch.PlainIntent()
		if createResume {
			intent = launch.ResumeIntent(createTarget, args[1:]...)
		} else if len(args) > 1 {
			return errors.New("agent arguments require --resume")
		}
		return withClient(func(c *shepherd.Client) error {
			_, err := c.Create(args[0], dir, intent)
			return err
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <session-id> <text...>",
	Short: "Send text to a session, followed by Enter",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		if !writeNoEnter {
			text += "\r"
		}
		return withClient(func(c *shepherd.Client) error {
			return c.Write(args[0], []byte(text))
		})
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize <session-id> <cols> <rows>",
	Short: "Set a session's terminal size",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid cols %q: %w", args[1], err)
		}
		rows, err := strconv.ParseUint(args[2], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid rows %q: %w", args[2], err)
		}
		return withClient(func(c *shepherd.Client) error {
			return c.Resize(args[0], uint16(cols), uint16(rows))
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session and hang up its process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *shepherd.Client) error {
			return c.Close(args[0])
		})
	},
}

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Close every session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *shepherd.Client) error {
			return c.CloseAll()
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *shepherd.Client) error {
			ids, err := c.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		})
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach this terminal to a session (Ctrl+] detaches)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *shepherd.Client) error {
			return attach(c, args[0])
		})
	},
}

func init() {
	createCmd.Flags().StringVarP(&createDir, "dir", "C", "", "working directory (default current directory)")
	createCmd.Flags().BoolVar(&createResume, "resume", false, "resume an agent conversation")
	createCmd.Flags().StringVar(&createTarget, "target", "", "conversation to resume (default session id)")
	writeCmd.Flags().BoolVarP(&writeNoEnter, "no-enter", "n", false, "do not append Enter")
	rootCmd.PersistentFlags().BoolVar(&noSpawn, "no-spawn", false, "fail instead of starting the daemon when it is not running")

	rootCmd.AddCommand(createCmd, writeCmd, resizeCmd, closeCmd, closeAllCmd, listCmd, attachCmd)
}

func withClient(fn func(*shepherd.Client) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	lc := cfg.Logging()
	lc.Development = true
	lc.Level = "warn"
	logger, err := logging.New(lc)
	if err != nil {
		return err
	}
	defer logger.Sync()

	c, err := connectOrStartDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Disconnect()
	return fn(c)
}

// connectOrStartDaemon connects to a running daemon or launches a new one.
func connectOrStartDaemon(cfg *config.Config, logger *zap.Logger) (*shepherd.Client, error) {
	socketPath := cfg.SocketPath()

	client, err := shepherd.NewClient(socketPath, logger)
	if err == nil {
		if err := client.Ping(); err == nil {
			return client, nil
		}
		client.Disconnect()
	}
	if noSpawn {
		return nil, fmt.Errorf("daemon not running at %s", socketPath)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "ptyd.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	// Detach; the daemon outlives this command
	cmd.Process.Release()

	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		time.Sleep(50 * time.Millisecond)
		client, err = shepherd.NewClient(socketPath, logger)
		if err == nil {
			if err := client.Ping(); err == nil {
				return client, nil
			}
			client.Disconnect()
		}
	}
	return nil, fmt.Errorf("daemon did not become available within 2s (see %s)", logFile.Name())
}

func attach(c *shepherd.Client, sid string) error {
	exited := c.Wait(sid)
	out, unsub, err := c.Subscribe(sid)
	if err != nil {
		return err
	}
	defer unsub()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)

		resizeCh := make(chan os.Signal, 1)
		signal.Notify(resizeCh, syscall.SIGWINCH)
		defer signal.Stop(resizeCh)
		go func() {
			for range resizeCh {
				if cols, rows, err := term.GetSize(fd); err == nil {
					c.Resize(sid, uint16(cols), uint16(rows))
				}
			}
		}()
		resizeCh <- syscall.SIGWINCH
	}

	detached := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil || n == 0 {
				return
			}
			data := buf[:n]
			i := bytes.IndexByte(data, detachKey)
			if i >= 0 {
				data = data[:i]
			}
			if len(data) > 0 {
				if err := c.Write(sid, data); err != nil {
					return
				}
			}
			if i >= 0 {
				close(detached)
				return
			}
		}
	}()

	printExit := func(exit shepherd.Exit) {
		fmt.Fprintf(os.Stdout, "\r\n[%s: %s]\r\n", sid, exit.Status)
	}

	for {
		select {
		case data, ok := <-out:
			if ok {
				os.Stdout.Write(data)
				continue
			}
			// Closed on exit, or because this client fell behind.
			select {
			case exit := <-exited:
				printExit(exit)
				return nil
			case <-time.After(time.Second):
				return errors.New("output stream dropped, attach again to continue")
			}
		case exit := <-exited:
			for data := range out {
				os.Stdout.Write(data)
			}
			printExit(exit)
			return nil
		case <-detached:
			fmt.Fprintf(os.Stdout, "\r\n[detached from %s]\r\n", sid)
			return nil
		case <-c.Disconnected():
			return errors.New("lost connection to daemon")
		}
	}
}
