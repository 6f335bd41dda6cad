package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"QuoteStream/pkg/config"
	"QuoteStream/pkg/database"
	"QuoteStream/pkg/logger"
	"QuoteStream/pkg/scheduler"
)

type app struct {
	configPath string
	debug      bool
	cfg        *config.Config
	log        *slog.Logger
}

// NewRootCmd 创建 quotectl 根命令
func NewRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "quotectl",
		Short: "QuoteStream 运维工具",
		Long: `quotectl 直接操作行情库: 建表、查询统计、计算日统计、清理历史数据。
配置读取顺序与服务进程一致: --config 或 CONFIG_PATH，其次 configs/<APP_ENV>/app.yaml。`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = config.GetDefaultConfigPath()
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return err
			}
			a.cfg = cfg

			level := cfg.App.LogLevel
			if a.debug {
				level = "debug"
			}
			a.log = logger.New(cmd.ErrOrStderr(), level, "text")
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "输出调试日志")

	rootCmd.AddCommand(
		a.newMigrateCmd(),
		a.newStatsCmd(),
		a.newAnalyticsCmd(),
		a.newCleanupCmd(),
		a.newSymbolsCmd(),
		a.newRecentCmd(),
	)
	return rootCmd
}

// withStore 打开数据库执行fn后关闭
func (a *app) withStore(ctx context.Context, fn func(store *database.Store) error) error {
	store, err := database.Open(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "创建或更新数据表",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store *database.Store) error {
				if err := store.Migrate(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "数据表已就绪")
				return nil
			})
		},
	}
}

func (a *app) newStatsCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "stats SYMBOL",
		Short: "查看窗口统计",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := config.SplitSymbols(args[0])
			if len(symbol) != 1 || hours <= 0 {
				return fmt.Errorf("参数无效: symbol=%q hours=%d", args[0], hours)
			}
			return a.withStore(cmd.Context(), func(store *database.Store) error {
				stats, err := store.GetStatistics(cmd.Context(), symbol[0], time.Duration(hours)*time.Hour)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "统计窗口(小时)")
	return cmd
}

func (a *app) newAnalyticsCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "analytics [SYMBOL]",
		Short: "计算日统计，不指定代码时计算库中所有股票",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC().AddDate(0, 0, -1)
			if date != "" {
				parsed, err := time.ParseInLocation(time.DateOnly, date, time.UTC)
				if err != nil {
					return fmt.Errorf("日期格式应为YYYY-MM-DD: %w", err)
				}
				day = parsed
			}

			return a.withStore(cmd.Context(), func(store *database.Store) error {
				out := cmd.OutOrStdout()
				if len(args) == 0 {
					sched := scheduler.NewScheduler(store, nil, scheduler.Options{}, a.log)
					saved, err := sched.RunDailyAnalytics(cmd.Context(), day)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s 已保存 %d 条日统计\n", day.Format(time.DateOnly), saved)
					return nil
				}

				symbol := config.SplitSymbols(args[0])
				if len(symbol) != 1 {
					return fmt.Errorf("参数无效: symbol=%q", args[0])
				}
				result, err := store.ComputeDailyAnalytics(cmd.Context(), symbol[0], day)
				if err != nil {
					return err
				}
				if result == nil {
					fmt.Fprintf(out, "%s %s 无行情数据\n", symbol[0], day.Format(time.DateOnly))
					return nil
				}
				return printJSON(out, result)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "日期 YYYY-MM-DD (UTC)，默认昨天")
	return cmd
}

func (a *app) newCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "删除超过保留期的行情",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.Retention.Days
			}
			if days <= 0 {
				return fmt.Errorf("保留天数必须大于0: %d", days)
			}
			return a.withStore(cmd.Context(), func(store *database.Store) error {
				deleted, err := store.Cleanup(cmd.Context(), days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "已删除 %d 条记录\n", deleted)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "保留天数，默认取配置 retention.days")
	return cmd
}

func (a *app) newSymbolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "symbols",
		Short: "列出库中的股票代码",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(store *database.Store) error {
				symbols, err := store.Symbols(cmd.Context())
				if err != nil {
					return err
				}
				for _, s := range symbols {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
}

func (a *app) newRecentCmd() *cobra.Command {
	var hours int
	cmd := &cobra.Command{
		Use:   "recent SYMBOL",
		Short: "查看近期行情记录",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := config.SplitSymbols(args[0])
			if len(symbol) != 1 || hours <= 0 {
				return fmt.Errorf("参数无效: symbol=%q hours=%d", args[0], hours)
			}
			return a.withStore(cmd.Context(), func(store *database.Store) error {
				records, err := store.RecentRecords(cmd.Context(), symbol[0], time.Duration(hours)*time.Hour)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, r := range records {
					fmt.Fprintf(out, "%s\t%s\t%.2f\t%d\n", r.Timestamp.UTC().Format(time.RFC3339), r.Symbol, r.Price, r.Volume)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&hours, "hours", 24, "查询窗口(小时)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
