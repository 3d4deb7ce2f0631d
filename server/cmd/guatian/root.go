package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"gua-tian/server/internal/config"
	"gua-tian/server/internal/logger"
)

const rootLongDesc = `瓜田（guatian）服务端。

  guatian serve                 启动 HTTP 服务
  guatian ocr a.png b.png       本地识别图片并输出合并后的正文
  guatian timeline items.json   对一组瓜做时间线梳理`

// globals 子命令共享的配置与日志。
type globals struct {
	configPath string
	debug      bool

	cfg     *config.Config
	log     *slog.Logger
	logFile *os.File
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "guatian",
		Short:         "瓜田 - 记录与梳理每一口瓜",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			g.close()
		},
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&g.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(newServeCmd(g), newOCRCmd(g), newTimelineCmd(g))
	return cmd
}

func (g *globals) load() error {
	boot := logger.New(logger.WithDebug(g.debug))
	cfg, err := config.Load(g.configPath, boot)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if g.debug {
		level = "debug"
	}
	g.cfg = cfg

	if cfg.Logging.File == "" {
		g.log = logger.FromFormat(cfg.Logging.Format, level)
		return nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	g.logFile = f
	g.log = logger.FromFormat(cfg.Logging.Format, level, os.Stderr, f)
	return nil
}

func (g *globals) close() {
	if g.logFile != nil {
		_ = g.logFile.Close()
	}
}
