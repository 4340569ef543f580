package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yqhp/cluster-registry/internal/api"
	"yqhp/cluster-registry/internal/config"
	"yqhp/cluster-registry/internal/server"
	"yqhp/cluster-registry/pkg/types"
)

var (
	// master start 命令的 flags
	masterStandalone bool
	masterHost       string
	masterPort       int
	masterAPIAddress string

	// master status 命令的 flags
	statusAddress string
	statusTimeout time.Duration
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点在注册中心登记自身、上报心跳，并对下线节点的工作执行容错接管。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点并加入集群。

启动流程：
  - 在启动锁保护下注册自身并清除自己的死亡标记
  - 若自己是唯一存活的 Master，扫描并接管所有遗留工作
  - 订阅节点变化，对下线的 Master/Worker 执行容错`,
	Example: `  # 使用配置文件启动
  coordinator master start --config configs/master.yaml

  # 独立模式（进程内注册中心 + 内存 SQLite）
  coordinator master start --standalone

  # 指定对外端口
  coordinator master start --port 5678`,
	RunE: runMasterStart,
}

// masterStatusCmd 是 master status 子命令
var masterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看集群节点状态",
	Long:  `通过 Master 的状态 API 查看存活的 Master 和 Worker 节点。`,
	Example: `  coordinator master status
  coordinator master status --address http://10.0.0.1:5679`,
	RunE: runMasterStatus,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)
	masterCmd.AddCommand(masterStatusCmd)

	masterStartCmd.Flags().BoolVar(&masterStandalone, "standalone", false, "独立模式运行（无需 Redis 和数据库）")
	masterStartCmd.Flags().StringVar(&masterHost, "host", "", "对外注册的主机地址，默认取内网 IP")
	masterStartCmd.Flags().IntVar(&masterPort, "port", 5678, "对外注册的端口")
	masterStartCmd.Flags().StringVar(&masterAPIAddress, "api-address", ":5679", "状态 API 监听地址")

	masterStatusCmd.Flags().StringVar(&statusAddress, "address", "http://localhost:5679", "Master 状态 API 地址")
	masterStatusCmd.Flags().DurationVar(&statusTimeout, "timeout", 5*time.Second, "请求超时时间")
}

// startOverrides collects the flags that were set explicitly as config overrides.
func startOverrides(cmd *cobra.Command) map[string]string {
	args := make(map[string]string)
	if cmd.Flags().Changed("host") {
		args["master.host"] = masterHost
	}
	if cmd.Flags().Changed("port") {
		args["master.listen_port"] = strconv.Itoa(masterPort)
	}
	if cmd.Flags().Changed("api-address") {
		args["api.address"] = masterAPIAddress
	}
	if debug {
		args["logging.level"] = "debug"
	}
	return args
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader().WithCmdArgs(startOverrides(cmd))
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	server.InitLogger(&cfg.Logging)

	var opts []server.Option
	if masterStandalone {
		opts = append(opts, server.WithStandalone())
	}
	s := server.NewMasterServer(cfg, opts...)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if !quiet {
		fmt.Fprintf(out, Banner, Version)
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  注册中心: %s%s\n", cfg.Registry.Addr, cfg.Registry.Namespace)
		fmt.Fprintf(out, "  对外端口: %d\n", cfg.Master.ListenPort)
		fmt.Fprintf(out, "  独立模式: %v\n", masterStandalone)
		fmt.Fprintln(out)
	}

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("master 运行失败: %w", err)
	}
	if !quiet {
		fmt.Fprintln(out, "Master 节点已停止。")
	}
	return nil
}

func runMasterStatus(cmd *cobra.Command, args []string) error {
	client := api.NewClient(statusAddress, statusTimeout)
	out := cmd.OutOrStdout()

	health, err := client.Health()
	if err != nil {
		return fmt.Errorf("无法连接 Master 状态 API: %w", err)
	}
	fmt.Fprintf(out, "Master %s: %s\n\n", health.Address, health.Status)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tADDRESS\tSTATUS\tREGISTERED\tLAST HEARTBEAT")
	for _, nodeType := range []types.NodeType{types.NodeTypeMaster, types.NodeTypeWorker} {
		nodes, err := client.Nodes(nodeType)
		if err != nil {
			return fmt.Errorf("查询 %s 节点失败: %w", nodeType, err)
		}
		for _, n := range nodes {
			status := "-"
			if n.Heartbeat != nil {
				status = string(n.Heartbeat.ServerStatus)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", nodeType, n.Address, status,
				formatTime(n.CreateTime), formatTime(n.LastHeartbeatTime))
		}
	}
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
